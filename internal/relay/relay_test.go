package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/tow/internal/session"
)

// newLoopback starts an httptest server that upgrades every request to a
// WebSocket and hands the server-side connection to peerCh, then dials it
// and returns the client-side connection: a real network listener instead
// of a mocked transport.
func newLoopback(t *testing.T) (client *websocket.Conn, peerCh <-chan *websocket.Conn, cleanup func()) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ch <- conn
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	cli, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	return cli, ch, func() { cli.Close(); srv.Close() }
}

func readAck(t *testing.T, conn *websocket.Conn) uint64 {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got kind %d", kind)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		t.Fatalf("parse ack %q: %v", data, err)
	}
	return n
}

func sendAck(t *testing.T, conn *websocket.Conn, ack uint64) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(strconv.FormatUint(ack, 10))); err != nil {
		t.Fatalf("WriteMessage ack: %v", err)
	}
}

// TestHappyPathSingleCarrier exercises scenario 1: bytes written to the
// local TCP side are forwarded over the WebSocket and acked.
func TestHappyPathSingleCarrier(t *testing.T) {
	localTCP, remoteTCP := net.Pipe()
	defer remoteTCP.Close()

	sess := session.New(1, localTCP, session.DefaultTimeoutMs)

	client, peerCh, cleanup := newLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- Run(ctx, sess, client) }()

	server := <-peerCh
	defer server.Close()

	if got := readAck(t, server); got != 0 {
		t.Fatalf("expected initial write_cursor 0, got %d", got)
	}
	sendAck(t, server, 0) // peer's own attach ack, establishes the replay cursor

	payload := []byte("hello over the wire")
	go remoteTCP.Write(payload)

	kind, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got kind %d", kind)
	}
	if string(data) != string(payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}

	sendAck(t, server, uint64(len(payload)))

	// Peer -> local: server sends data, we expect it written to remoteTCP.
	reply := []byte("reply bytes")
	if err := server.WriteMessage(websocket.BinaryMessage, reply); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got := make([]byte, len(reply))
	remoteTCP.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := remoteTCP.Read(got); err != nil {
		t.Fatalf("reading echoed reply: %v", err)
	}
	if string(got) != string(reply) {
		t.Fatalf("got %q, want %q", got, reply)
	}

	cancel()
	<-outcomeCh
}

// TestCarrierDropWithReplay exercises scenario 2: a partially-acked
// carrier drops; on reattach, the unacked suffix is retransmitted exactly
// once and the new carrier's first frame reflects write_cursor.
func TestCarrierDropWithReplay(t *testing.T) {
	localTCP, remoteTCP := net.Pipe()
	defer remoteTCP.Close()

	sess := session.New(1, localTCP, session.DefaultTimeoutMs)

	client, peerCh, cleanup := newLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- Run(ctx, sess, client) }()

	server := <-peerCh
	readAck(t, server) // initial 0
	sendAck(t, server, 0)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}
	go remoteTCP.Write(payload)

	_, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(data) != 2000 {
		t.Fatalf("expected 2000 bytes in one frame, got %d", len(data))
	}

	sendAck(t, server, 800)

	server.Close()
	cleanup()
	cancel()
	outcome := <-outcomeCh
	if outcome != OutcomeWSError && outcome != OutcomeWSDone {
		t.Fatalf("expected a recoverable outcome, got %v", outcome)
	}
	if sess.Closed {
		t.Fatalf("session must survive a carrier drop")
	}
	if sess.ReadCursor != 800 {
		t.Fatalf("expected read_cursor 800, got %d", sess.ReadCursor)
	}

	client2, peerCh2, cleanup2 := newLoopback(t)
	defer cleanup2()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	go func() { outcomeCh <- Run(ctx2, sess, client2) }()

	server2 := <-peerCh2
	defer server2.Close()

	if got := readAck(t, server2); got != 0 {
		t.Fatalf("expected reattach write_cursor 0 (nothing written to local TCP peer yet), got %d", got)
	}
	sendAck(t, server2, 800) // peer's write_cursor is unchanged since the drop

	_, retransmitted, err := server2.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(retransmitted) != string(payload[800:]) {
		t.Fatalf("expected retransmit of bytes 800..2000, got %d bytes", len(retransmitted))
	}

	sendAck(t, server2, 2000)
	cancel2()
	<-outcomeCh
}

// TestMaliciousAckRejected exercises scenario 3: an ack claiming more
// bytes than were ever buffered is a protocol violation and kills the
// session.
func TestMaliciousAckRejected(t *testing.T) {
	localTCP, remoteTCP := net.Pipe()
	defer remoteTCP.Close()

	sess := session.New(1, localTCP, session.DefaultTimeoutMs)

	client, peerCh, cleanup := newLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- Run(ctx, sess, client) }()

	server := <-peerCh
	defer server.Close()
	readAck(t, server)
	sendAck(t, server, 0)

	go remoteTCP.Write([]byte("hi"))
	if _, _, err := server.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	sendAck(t, server, 9999)

	outcome := <-outcomeCh
	if outcome != OutcomeAckError {
		t.Fatalf("expected OutcomeAckError, got %v", outcome)
	}
	if !sess.Closed {
		t.Fatalf("expected session to be killed")
	}
}

// TestGracefulClose exercises scenario 6: an empty text frame from the
// peer is a clean close, and the local side echoes one back.
func TestGracefulClose(t *testing.T) {
	localTCP, remoteTCP := net.Pipe()
	defer remoteTCP.Close()

	sess := session.New(1, localTCP, session.DefaultTimeoutMs)

	client, peerCh, cleanup := newLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- Run(ctx, sess, client) }()

	server := <-peerCh
	defer server.Close()
	readAck(t, server)

	if err := server.WriteMessage(websocket.TextMessage, []byte{}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	kind, data, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.TextMessage || len(data) != 0 {
		t.Fatalf("expected courtesy empty text frame, got kind=%d data=%q", kind, data)
	}

	outcome := <-outcomeCh
	if outcome != OutcomeClosed {
		t.Fatalf("expected OutcomeClosed, got %v", outcome)
	}
	if !sess.Closed {
		t.Fatalf("expected session marked closed")
	}
}
