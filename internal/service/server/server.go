package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sma_chat/internal/service/auth"
	"sma_chat/internal/utils/log"
)

const (
	DefaultSendBuffer   = 256
	DefaultMaxFrameSize = 16 << 20
)

type (
	Options struct {
		Addr         string
		TLSConfig    *tls.Config
		SendBuffer   int
		MaxFrameSize int64
	}

	HttpServer struct {
		opts    Options
		hub     *Hub
		metrics *Metrics
	}
)

func NewHttpServer(authn *auth.Authenticator, opts Options) *HttpServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	metrics := NewMetrics()
	return &HttpServer{
		opts:    opts,
		hub:     NewHub(authn, metrics, opts.SendBuffer, opts.MaxFrameSize),
		metrics: metrics,
	}
}

func (s *HttpServer) Hub() *Hub { return s.hub }

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.Healthz()).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled. Without a TLS config it serves plain
// websockets, which is only suitable behind a terminating proxy.
func (s *HttpServer) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		TLSConfig:         s.opts.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.opts.Addr), zap.Bool("tls", s.opts.TLSConfig != nil))
		if s.opts.TLSConfig != nil {
			errc <- srv.ListenAndServeTLS("", "")
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // non-browser clients
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(s.hub, conn)
		if !post(s.hub.done, s.hub.register, c) {
			conn.Close()
			return
		}
		c.log.Debug("connection opened")

		go c.writePump()
		go c.readPump(context.WithoutCancel(r.Context()))
	}
}

func (s *HttpServer) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.hub.done:
			http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}
	}
}
