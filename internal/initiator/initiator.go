// Package initiator implements the TCP-to-WS side of the tunnel: it
// accepts local TCP connections and, for each, dials an upstream
// WebSocket and drives the relay loop.
package initiator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/tow/internal/relay"
	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/util"
)

const (
	acceptBackoff = time.Second
	dialBackoff   = time.Second
)

// Config describes one initiator instance.
type Config struct {
	ListenAddrs []string // local bind addresses
	UpstreamURL string   // remote WebSocket URL to dial
	TimeoutMs   int      // session idle timeout, already clamped
}

// Run binds every address in cfg.ListenAddrs and serves accepted
// connections until ctx is cancelled. Any bind failure is fatal.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.ListenAddrs) == 0 {
		return fmt.Errorf("initiator: no listen addresses configured")
	}

	listeners := make([]net.Listener, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("initiator: listen on %s: %w", addr, err)
		}
		listeners = append(listeners, l)
		util.LogSuccess("initiator listening on %s", addr)
	}

	go func() {
		<-ctx.Done()
		for _, l := range listeners {
			l.Close()
		}
	}()

	for _, l := range listeners {
		go acceptLoop(ctx, l, cfg)
	}

	<-ctx.Done()
	return nil
}

func acceptLoop(ctx context.Context, l net.Listener, cfg Config) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				util.LogWarning("accept error on %s: %v", l.Addr(), err)
				time.Sleep(acceptBackoff)
				continue
			}
		}
		go handleConn(ctx, conn, cfg)
	}
}

// handleConn drives one accepted TCP connection for its entire life:
// generate a session id, construct the session, then loop dialing the
// upstream WebSocket and running the relay until the session is closed
// or the idle-since-last-connect window elapses.
func handleConn(ctx context.Context, conn net.Conn, cfg Config) {
	id, err := randomNonzeroID()
	if err != nil {
		util.LogError("failed to generate session id: %v", err)
		conn.Close()
		return
	}

	sess := session.New(id, conn, cfg.TimeoutMs)
	util.Stats.AddSession()
	defer util.Stats.RemoveSession()

	headers := http.Header{}
	headers.Set("x-tow-id", strconv.FormatUint(id, 10))
	headers.Set("x-tow-timeout", strconv.Itoa(cfg.TimeoutMs))

	lastConnect := time.Now()

	for {
		if sess.Closed {
			return
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.UpstreamURL, headers)
		if err != nil {
			if time.Since(lastConnect) > time.Duration(cfg.TimeoutMs)*time.Millisecond {
				util.LogWarning("session %d: giving up after idle dial failures: %v", id, err)
				sess.Kill()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(dialBackoff):
			}
			continue
		}

		lastConnect = time.Now()
		util.LogDebug("session %d: carrier attached", id)

		outcome := relay.Run(ctx, sess, ws)
		ws.Close()

		if outcome.Kill() || sess.Closed {
			util.LogDebug("session %d: ended (%s)", id, outcome)
			return
		}

		util.LogDebug("session %d: carrier dropped (%s), will reattach", id, outcome)
	}
}

// randomNonzeroID returns a cryptographically random 64-bit value,
// retrying on the (astronomically unlikely) zero case.
func randomNonzeroID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}
