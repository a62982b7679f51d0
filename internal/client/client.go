// Package client implements the tunnel-client half of the protocol: the
// control-session handshake and heartbeat/dispatch loop (spec §4.6)
// built on top of internal/proto, internal/auth, and internal/proxy.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kallelund/boretun/internal/auth"
	"github.com/kallelund/boretun/internal/obs"
	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/tunerr"
)

// heartbeatInterval and idleTimeout mirror the server's Running-state
// cadence (internal/server's session.go) so both sides agree without
// either hardcoding the other's value.
const (
	heartbeatInterval = 500 * time.Millisecond
	idleTimeout       = 2 * heartbeatInterval
)

// Config describes one tunnel: which local service to expose, on which
// requested public port, against which server.
type Config struct {
	ServerAddr    string
	Secret        string
	RequestedPort uint16
	LocalHost     string
	LocalPort     int
}

// Run dials the server, completes the handshake, and blocks servicing
// the control session until ctx is canceled or a fatal control-channel
// error occurs. onReady, if non-nil, is invoked with the resolved
// remote port as soon as the handshake succeeds, before Run starts
// blocking — the caller uses it to print the exposed host:port without
// waiting for the whole session to end.
func Run(ctx context.Context, cfg Config, onReady func(port uint16)) (uint16, error) {
	conn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		return 0, &tunerr.IoError{Err: err}
	}
	f := proto.NewFramer(conn)

	a := auth.New(cfg.Secret)
	if a.Enabled() {
		if _, err := a.ClientHandshake(f); err != nil {
			_ = conn.Close()
			return 0, err
		}
	}

	if err := f.Send(proto.Hello(cfg.RequestedPort)); err != nil {
		_ = conn.Close()
		return 0, err
	}
	ack, err := f.Recv(auth.Timeout)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	switch ack.Kind {
	case proto.KindHello:
		// fall through to the running loop
	case proto.KindChallenge:
		_ = conn.Close()
		return 0, &tunerr.AuthError{Reason: "server requires authentication, but no secret was provided"}
	case proto.KindError:
		_ = conn.Close()
		return 0, &tunerr.ProtocolError{Reason: ack.Text}
	default:
		_ = conn.Close()
		return 0, &tunerr.ProtocolError{Reason: "expected Hello or Error"}
	}

	host, _, _ := net.SplitHostPort(cfg.ServerAddr)
	obs.Info("client.listening", obs.Fields{"remote": fmt.Sprintf("%s:%d", host, ack.Port)})
	if onReady != nil {
		onReady(ack.Port)
	}

	cs := &controlSession{cfg: cfg, f: f, done: make(chan struct{})}
	return ack.Port, cs.run(ctx)
}

// controlSession drives the Running state of the client's control
// connection (spec §4.6 step 4): a heartbeat writer and a frame
// dispatcher running concurrently over the same Framer.
type controlSession struct {
	cfg Config
	f   *proto.Framer

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func (c *controlSession) run(ctx context.Context) error {
	errCh := make(chan error, 2)
	c.wg.Add(2)
	go func() { defer c.wg.Done(); errCh <- c.heartbeatLoop() }()
	go func() { defer c.wg.Done(); errCh <- c.readLoop() }()

	select {
	case <-ctx.Done():
		c.stop()
		c.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		c.stop()
		c.wg.Wait()
		return err
	}
}

func (c *controlSession) heartbeatLoop() error {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return nil
		case <-t.C:
			if err := c.f.Send(proto.Heartbeat()); err != nil {
				return err
			}
		}
	}
}

func (c *controlSession) readLoop() error {
	for {
		msg, err := c.f.Recv(idleTimeout)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case proto.KindHeartbeat:
			// idle keepalive from the server; nothing to do
		case proto.KindConnection:
			go c.handleData(msg.UUID)
		case proto.KindError:
			obs.Error("client.server_error", obs.Fields{"text": msg.Text})
			return &tunerr.ProtocolError{Reason: msg.Text}
		default:
			return &tunerr.ProtocolError{Reason: "unexpected message on control channel"}
		}
	}
}

func (c *controlSession) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.f.Conn().Close()
	})
}
