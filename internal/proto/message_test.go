package proto

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []Message{
		Hello(0),
		Hello(5000),
		Challenge(id),
		Authenticate("deadbeef"),
		Connection(id),
		Accept(id),
		Heartbeat(),
		Error("port already in use"),
	}
	for _, want := range cases {
		b, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %+v: %v", want, err)
		}
		var got Message
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if got != want {
			t.Errorf("round trip mismatch: want %+v got %+v (wire %s)", want, got, b)
		}
	}
}

func TestHelloWireForm(t *testing.T) {
	b, err := json.Marshal(Hello(8000))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"Hello":{"port":8000}}` {
		t.Errorf("unexpected wire form: %s", b)
	}
}

func TestHeartbeatWireForm(t *testing.T) {
	b, err := json.Marshal(Heartbeat())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"Heartbeat":null}` {
		t.Errorf("unexpected wire form: %s", b)
	}
}

func TestUnknownTagIsProtocolError(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"Bogus":{}}`), &m); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestMultiTagIsProtocolError(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"Hello":{"port":1},"Heartbeat":null}`), &m); err == nil {
		t.Fatal("expected error for multiple tags")
	}
}

func TestFramerRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sf := NewFramer(server)
	cf := NewFramer(client)

	go func() { _ = sf.Send(Hello(5000)) }()

	msg, err := cf.Recv(time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg != Hello(5000) {
		t.Errorf("got %+v", msg)
	}
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cf := NewFramer(client)
	go func() {
		_, _ = server.Write([]byte(`{"Error":{"text":"` + strings.Repeat("x", MaxFrameSize) + `"}}` + "\n"))
	}()

	if _, err := cf.Recv(time.Second); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestFramerRecvTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cf := NewFramer(client)
	if _, err := cf.Recv(10 * time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFramerUnreadPreservesTrailingBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cf := NewFramer(client)
	go func() { _, _ = server.Write([]byte("{\"Heartbeat\":null}\npayload-bytes")) }()

	if _, err := cf.Recv(time.Second); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got := string(cf.Unread()); got != "payload-bytes" {
		t.Errorf("unexpected leftover bytes: %q", got)
	}
}
