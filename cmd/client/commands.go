package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"sma_chat/internal/model"
	"sma_chat/internal/service/app"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account on the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := password()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Register(ctx, args[0], pass); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", args[0])
			return nil
		},
	}
}

// chat <username> <peer>: log in and open the chat window.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <username> <peer>",
		Short: "Log in and chat with a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, peer := args[0], args[1]
			pass, err := password()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Login(ctx, username, pass); err != nil {
				return err
			}
			earlier, err := newVault().Records(username, peer, pass)
			if err != nil {
				return err
			}
			return app.NewApp(c, peer).Run(ctx, earlier)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete the account on the relay and all local data for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := password()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Delete(ctx, args[0], pass); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read or remove local conversation history",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <username>",
			Short: "List peers with stored history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				peers, err := newVault().Peers(args[0])
				if err != nil {
					return err
				}
				for _, p := range peers {
					fmt.Println(p)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <username> <peer>",
			Short: "Decrypt and print the history with a peer",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				pass, err := password()
				if err != nil {
					return err
				}
				records, err := newVault().Records(args[0], args[1], pass)
				if err != nil {
					return err
				}
				for rec, err := range records {
					if err != nil {
						return err
					}
					if rec.Type == model.TypeImage {
						n := base64.StdEncoding.DecodedLen(len(rec.Message))
						fmt.Printf("%s: [image, about %d bytes]\n", rec.Sender, n)
						continue
					}
					fmt.Printf("%s: %s\n", rec.Sender, rec.Message)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <username> <peer>",
			Short: "Remove the history with a peer",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return newVault().Delete(args[0], args[1])
			},
		},
	)
	return cmd
}
