package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/handshake"
	"sma_chat/internal/utils/log"
)

const (
	imageCommand = "/image "
	lineBuffer   = 16
)

type (
	// App is the terminal chat window for one peer.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		client *Client
		peer   string

		// lines carries text for the chatbox to the drawing goroutine
		lines chan string
		ctx   context.Context
	}
)

func NewApp(client *Client, peer string) *App {
	return &App{
		app:    tview.NewApplication(),
		client: client,
		peer:   peer,
		lines:  make(chan string, lineBuffer),
		ctx:    context.Background(),
	}
}

// Run shows the earlier history, then blocks in the UI until the user quits,
// ctx is done or the relay connection ends. In the last case it returns the
// client's error.
func (a *App) Run(ctx context.Context, earlier iter.Seq2[model.HistoryRecord, error]) error {
	layout := a.layout()

	if earlier != nil {
		for rec, err := range earlier {
			if err != nil {
				fmt.Fprintf(a.chatbox, "[red]unreadable history record: %s[-]\n", tview.Escape(err.Error()))
				continue
			}
			fmt.Fprint(a.chatbox, a.format(rec.Sender, rec.Type, rec.Message, true))
		}
		fmt.Fprint(a.chatbox, "[gray]--- end of history ---[-]\n")
	}

	select {
	case <-a.client.Done():
		return a.client.Err()
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ctx = ctx

	go a.draw(ctx)
	go func() {
		<-ctx.Done()
		a.app.Stop()
	}()

	err := a.app.SetRoot(layout, true).SetFocus(a.input).Run()
	cancel()
	if err != nil {
		return err
	}
	select {
	case <-a.client.Done():
		return a.client.Err()
	default:
		return nil
	}
}

func (a *App) layout() tview.Primitive {
	a.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s chatting with %s ", a.client.Username(), a.peer))

	a.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" /image <path> sends a file, /quit leaves ")

	a.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := a.input.GetText()
			if text == "" {
				return
			}
			a.input.SetText("")
			if text == "/quit" {
				a.app.Stop()
				return
			}
			go a.submit(text)
		case tcell.KeyEscape:
			a.app.Stop()
		}
	})

	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.chatbox, 0, 1, false).
		AddItem(a.input, 3, 0, true)
}

func (a *App) submit(text string) {
	ctx := a.ctx
	var (
		err  error
		line string
	)
	if path, ok := strings.CutPrefix(text, imageCommand); ok {
		path = strings.TrimSpace(path)
		err = a.client.SendImage(ctx, a.peer, path)
		line = fmt.Sprintf("[yellow]You:[-] [image %s]\n", tview.Escape(path))
	} else {
		err = a.client.Send(ctx, a.peer, model.TypeText, text)
		line = fmt.Sprintf("[yellow]You:[-] %s\n", tview.Escape(text))
	}

	if err != nil {
		log.Warn("send failed", zap.String("peer", a.peer), zap.Error(err))
		reason := err.Error()
		if errors.Is(err, handshake.ErrHandshakeTimeout) {
			reason = a.peer + " did not answer the key exchange"
		}
		line = fmt.Sprintf("[red]not sent:[-] %s\n", tview.Escape(reason))
	}
	a.print(line)
}

// draw is the only goroutine that touches the chatbox once the UI runs.
// QueueUpdateDraw blocks forever after the application stops, so nothing
// is queued once ctx is done.
func (a *App) draw(ctx context.Context) {
	for {
		var line string
		select {
		case m := <-a.client.Messages():
			switch {
			case a.forPeer(m):
				line = a.format(m.From, m.Type, m.Text, m.Authenticated)
			case m.Type == model.TypeServer:
				line = fmt.Sprintf("[gray]relay notice for %s: %s[-]\n", tview.Escape(m.To), tview.Escape(m.Text))
			default:
				line = fmt.Sprintf("[gray]new message from %s, saved to history[-]\n", tview.Escape(m.From))
			}
		case line = <-a.lines:
		case <-a.client.Done():
			a.app.Stop()
			return
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.app.QueueUpdateDraw(func() {
			fmt.Fprint(a.chatbox, line)
			a.chatbox.ScrollToEnd()
		})
	}
}

// print hands line to draw. Lines produced after the UI stopped are dropped.
func (a *App) print(line string) {
	select {
	case a.lines <- line:
	case <-a.ctx.Done():
	}
}

// forPeer reports whether m belongs in this window. Relay notices without a
// recipient concern the whole session.
func (a *App) forPeer(m model.Message) bool {
	if m.Type == model.TypeServer {
		return m.To == "" || m.To == a.peer
	}
	return m.From == a.peer
}

func (a *App) format(sender string, typ model.MessageType, text string, authenticated bool) string {
	color := "green"
	switch {
	case typ == model.TypeServer:
		return fmt.Sprintf("[red]relay:[-] %s\n", tview.Escape(text))
	case sender == a.client.Username():
		color = "yellow"
	case !authenticated:
		return fmt.Sprintf("[red]%s:[-] %s\n", tview.Escape(sender), tview.Escape(text))
	}

	if typ == model.TypeImage {
		n := base64.StdEncoding.DecodedLen(len(text))
		return fmt.Sprintf("[%s]%s:[-] [image, about %d bytes]\n", color, tview.Escape(sender), n)
	}
	return fmt.Sprintf("[%s]%s:[-] %s\n", color, tview.Escape(sender), tview.Escape(text))
}
