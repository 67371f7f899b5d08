// Package terminator implements the WS-to-TCP side of the tunnel: it
// accepts inbound WebSocket upgrades, looks up or creates the matching
// Session, lazily dials the upstream TCP address, and drives the relay
// loop.
package terminator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/relaywire/tow/internal/relay"
	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/store"
	"github.com/relaywire/tow/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config describes one terminator instance.
type Config struct {
	ListenAddrs  []string // local bind addresses
	UpstreamAddr string   // upstream TCP address to dial per session
}

// Run binds every address in cfg.ListenAddrs with an HTTP server that
// upgrades every request to a WebSocket carrier, and starts the store's
// background sweeper. Blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.ListenAddrs) == 0 {
		return fmt.Errorf("terminator: no listen addresses configured")
	}

	st := store.New()
	st.StartSweeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handleUpgrade(ctx, w, r, cfg.UpstreamAddr, st)
	})

	servers := make([]*http.Server, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("terminator: listen on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux}
		servers = append(servers, srv)
		util.LogSuccess("terminator listening on %s", addr)
		go func(l net.Listener, srv *http.Server) {
			if err := srv.Serve(l); err != nil && ctx.Err() == nil {
				util.LogWarning("terminator server on %s exited: %v", l.Addr(), err)
			}
		}(l, srv)
	}

	<-ctx.Done()
	for _, srv := range servers {
		srv.Close()
	}
	return nil
}

func handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, upstreamAddr string, st *store.Store) {
	id := parseID(r.Header.Get("x-tow-id"))
	timeoutMs := parseTimeout(r.Header.Get("x-tow-timeout"))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	sess := st.LookupOrCreate(id, timeoutMs)

	if !sess.TryLock() {
		util.LogWarning("session %d: refusing concurrent attach", id)
		return
	}
	defer sess.Unlock()

	if sess.Closed {
		util.LogDebug("session %d: attach to already-closed session, dropping", id)
		return
	}

	isNew := sess.TCP == nil
	if isNew {
		conn, err := net.Dial("tcp", upstreamAddr)
		if err != nil {
			util.LogError("session %d: upstream dial to %s failed: %v", id, upstreamAddr, err)
			sess.Kill()
			st.Remove(id)
			return
		}
		sess.TCP = conn
		util.Stats.AddSession()
	}

	outcome := relay.Run(ctx, sess, ws)
	util.LogDebug("session %d: carrier ended (%s)", id, outcome)

	if outcome.Kill() {
		util.Stats.RemoveSession()
		st.Remove(id)
	}
}

func parseID(raw string) uint64 {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseTimeout(raw string) int {
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return session.DefaultTimeoutMs
	}
	return session.ClampTimeout(ms)
}
