package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kallelund/boretun/internal/proto"
)

func TestHeartbeatReceivedGetsAReply(t *testing.T) {
	_, addr := startServer(t, Config{MinPort: 32768, MaxPort: 65535})
	f, _ := dialAndHello(t, addr, "", 0)
	defer f.Conn().Close()

	if err := f.Send(proto.Heartbeat()); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	// The server also runs its own idle-heartbeat ticker, so the next
	// frame we read might be either the reply or the ticker's own
	// heartbeat; both are Heartbeat frames.
	msg, err := f.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Kind != proto.KindHeartbeat {
		t.Fatalf("expected Heartbeat, got %+v", msg)
	}
}

func TestUnexpectedFrameInRunningIsProtocolError(t *testing.T) {
	_, addr := startServer(t, Config{MinPort: 32768, MaxPort: 65535})
	f, _ := dialAndHello(t, addr, "", 0)
	defer f.Conn().Close()

	if err := f.Send(proto.Hello(0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := f.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Kind != proto.KindError {
		t.Fatalf("expected Error for unexpected frame, got %+v", msg)
	}
}

func TestSessionDrainClosesPendingOnControlLoss(t *testing.T) {
	srv, addr := startServer(t, Config{MinPort: 32768, MaxPort: 65535})
	f, port := dialAndHello(t, addr, "", 0)

	visitor, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer visitor.Close()

	// Wait for the deposit to register before yanking the control conn.
	deadline := time.Now().Add(2 * time.Second)
	for srv.PendingConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.PendingConnections() == 0 {
		t.Fatal("expected a pending connection to be deposited")
	}

	f.Conn().Close() // simulate control-channel loss

	deadline = time.Now().Add(2 * time.Second)
	for srv.PendingConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.PendingConnections(); got != 0 {
		t.Fatalf("expected pending connections drained after session loss, got %d", got)
	}
}
