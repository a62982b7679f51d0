package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kallelund/boretun/internal/client"
	"github.com/kallelund/boretun/internal/server"
)

type localOptions struct {
	to        string
	port      uint16
	localHost string
	secret    string
}

func newLocalCommand() *cobra.Command {
	opts := &localOptions{localHost: "localhost"}

	cmd := &cobra.Command{
		Use:   "local <LOCAL_PORT>",
		Short: "expose a local TCP port through a tunnel server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPort, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid LOCAL_PORT %q: %w", args[0], err)
			}

			to := opts.to
			if to == "" {
				to = os.Getenv("BORE_SERVER")
			}
			if to == "" {
				return errors.New("server address required: pass --to or set BORE_SERVER")
			}
			secret := opts.secret
			if secret == "" {
				secret = os.Getenv("BORE_SECRET")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := client.Config{
				ServerAddr:    net.JoinHostPort(to, strconv.Itoa(server.ControlPort)),
				Secret:        secret,
				RequestedPort: opts.port,
				LocalHost:     opts.localHost,
				LocalPort:     localPort,
			}

			_, err = client.Run(ctx, cfg, func(port uint16) {
				fmt.Printf("listening at %s\n", net.JoinHostPort(to, strconv.Itoa(int(port))))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.to, "to", "", "tunnel server host (env BORE_SERVER)")
	cmd.Flags().Uint16Var(&opts.port, "port", 0, "requested remote port (0 = server-assigned)")
	cmd.Flags().StringVar(&opts.localHost, "local-host", "localhost", "local host to forward to")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "shared secret (env BORE_SECRET)")
	return cmd
}
