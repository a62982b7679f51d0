package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/tunerr"
)

// fakeServer opens a loopback listener that each test accepts on itself,
// giving it direct control over what gets sent back, standing in for
// internal/server so client.Run can be exercised without a real port
// allocator.
func fakeServer(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().String()
}

func TestRunReturnsAllocatedPortOnHelloAck(t *testing.T) {
	ln, addr := fakeServer(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f := proto.NewFramer(conn)
		msg, err := f.Recv(2 * time.Second)
		if err != nil || msg.Kind != proto.KindHello {
			return
		}
		_ = f.Send(proto.Hello(5000))
		// Keep the connection open so Run's heartbeat/read loops start.
		f.Recv(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	port, err := Run(ctx, Config{ServerAddr: addr, RequestedPort: 0, LocalHost: "127.0.0.1", LocalPort: 9}, nil)
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != 5000 {
		t.Fatalf("expected allocated port 5000, got %d", port)
	}
}

func TestRunPropagatesServerError(t *testing.T) {
	ln, addr := fakeServer(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f := proto.NewFramer(conn)
		if _, err := f.Recv(2 * time.Second); err != nil {
			return
		}
		_ = f.Send(proto.Error("port already in use"))
	}()

	_, err := Run(context.Background(), Config{ServerAddr: addr, RequestedPort: 5000, LocalHost: "127.0.0.1", LocalPort: 9}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestRunWithoutSecretAgainstChallengeFailsWithAuthError(t *testing.T) {
	ln, addr := fakeServer(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f := proto.NewFramer(conn)
		// The server requires auth but the client below has no secret
		// configured, so it never reads this Challenge as part of a
		// handshake — it lands as the reply to its own Hello instead.
		_ = f.Send(proto.Challenge(uuid.New()))
	}()

	_, err := Run(context.Background(), Config{ServerAddr: addr, RequestedPort: 0, LocalHost: "127.0.0.1", LocalPort: 9}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*tunerr.AuthError); !ok {
		t.Fatalf("expected *tunerr.AuthError, got %T: %v", err, err)
	}
}

func TestHeartbeatKeepsControlSessionAlive(t *testing.T) {
	ln, addr := fakeServer(t)
	gotHeartbeat := make(chan struct{}, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f := proto.NewFramer(conn)
		if _, err := f.Recv(2 * time.Second); err != nil {
			return
		}
		_ = f.Send(proto.Hello(5001))
		for i := 0; i < 3; i++ {
			msg, err := f.Recv(2 * time.Second)
			if err != nil {
				return
			}
			if msg.Kind == proto.KindHeartbeat {
				select {
				case gotHeartbeat <- struct{}{}:
				default:
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go Run(ctx, Config{ServerAddr: addr, RequestedPort: 0, LocalHost: "127.0.0.1", LocalPort: 9}, nil)

	select {
	case <-gotHeartbeat:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a heartbeat frame from the client")
	}
}

func TestConnectionFrameSpawnsDataTaskThatClaimsIt(t *testing.T) {
	ln, addr := fakeServer(t)

	local, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()
	_, localPortStr, _ := net.SplitHostPort(local.Addr().String())

	id := uuid.New()
	claimed := make(chan struct{}, 1)

	go func() {
		// Control connection.
		ctrl, err := ln.Accept()
		if err != nil {
			return
		}
		defer ctrl.Close()
		f := proto.NewFramer(ctrl)
		if _, err := f.Recv(2 * time.Second); err != nil {
			return
		}
		_ = f.Send(proto.Hello(5002))
		_ = f.Send(proto.Connection(id))

		// Data connection claiming id.
		data, err := ln.Accept()
		if err != nil {
			return
		}
		defer data.Close()
		df := proto.NewFramer(data)
		msg, err := df.Recv(2 * time.Second)
		if err != nil || msg.Kind != proto.KindAccept || msg.UUID != id {
			return
		}
		claimed <- struct{}{}
	}()

	go func() {
		conn, err := local.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go Run(ctx, Config{ServerAddr: addr, RequestedPort: 0, LocalHost: "127.0.0.1", LocalPort: mustAtoi(localPortStr)}, nil)

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the client to dial back and claim the connection")
	}
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return n
}
