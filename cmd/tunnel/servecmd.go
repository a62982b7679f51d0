package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kallelund/boretun/internal/directory"
	"github.com/kallelund/boretun/internal/obs"
	"github.com/kallelund/boretun/internal/ratelimit"
	"github.com/kallelund/boretun/internal/server"
	"github.com/kallelund/boretun/internal/web"
)

type serverOptions struct {
	minPort, maxPort uint16
	secret           string
	adminAddr        string
	redisAddr        string
	redisPassword    string
	redisDB          int
}

func newServerCommand() *cobra.Command {
	opts := &serverOptions{minPort: 1024, maxPort: 65535, adminAddr: ":9100"}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "run the public tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.secret
			if secret == "" {
				secret = os.Getenv("BORE_SECRET")
			}

			dir, err := directory.New(opts.redisAddr, opts.redisPassword, opts.redisDB)
			if err != nil {
				return err
			}

			limiter := ratelimit.NewLimiter(200, 20, 50, 5, 40)

			srv := server.New(server.Config{
				Addr:      net.JoinHostPort("", strconv.Itoa(server.ControlPort)),
				Secret:    secret,
				MinPort:   opts.minPort,
				MaxPort:   opts.maxPort,
				Limiter:   limiter,
				Directory: dir,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.adminAddr != "" {
				go serveAdmin(opts.adminAddr, srv)
			}

			obs.Info("server.start", obs.Fields{
				"control_port": server.ControlPort,
				"min_port":     opts.minPort,
				"max_port":     opts.maxPort,
				"admin_addr":   opts.adminAddr,
			})
			err = srv.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().Uint16Var(&opts.minPort, "min-port", 1024, "lowest public port the server will allocate")
	cmd.Flags().Uint16Var(&opts.maxPort, "max-port", 65535, "highest public port the server will allocate")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "shared secret (env BORE_SECRET)")
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", ":9100", "admin dashboard and metrics listen address (empty disables it)")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "optional Redis address for a fleet-wide session directory")
	cmd.Flags().StringVar(&opts.redisPassword, "redis-password", "", "Redis password, if any")
	cmd.Flags().IntVar(&opts.redisDB, "redis-db", 0, "Redis logical database index")
	return cmd
}

// statusResponse is the JSON shape served at /status, the equivalent of
// the teacher's own Stats/collectStats pair in cmd/server/stats.go.
type statusResponse struct {
	ActiveSessions     int    `json:"active_sessions"`
	PendingConnections int    `json:"pending_connections"`
	Now                string `json:"now"`
}

func collectStatus(srv *server.Server) statusResponse {
	return statusResponse{
		ActiveSessions:     len(srv.Sessions()),
		PendingConnections: srv.PendingConnections(),
		Now:                time.Now().UTC().Format(time.RFC3339),
	}
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func dashboardHandler(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := srv.Sessions()
		data := map[string]any{
			"ActiveSessions":     len(sessions),
			"PendingConnections": srv.PendingConnections(),
			"Sessions":           sessions,
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", data); err != nil {
			obs.Error("admin.render", obs.Fields{"err": err.Error()})
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// serveAdmin runs the admin dashboard and Prometheus metrics endpoint.
// It never touches bytes from the public tunnel listener (see
// internal/web), so it carries none of the parsing this server
// otherwise refuses to do on tunneled traffic.
func serveAdmin(addr string, srv *server.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", okHandler)
	mux.HandleFunc("/readyz", okHandler)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(collectStatus(srv)); err != nil {
			obs.Error("admin.status", obs.Fields{"err": err.Error()})
		}
	})
	mux.HandleFunc("/dashboard", dashboardHandler(srv))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("admin.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
