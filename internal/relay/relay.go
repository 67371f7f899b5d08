// Package relay drives the resumable bidirectional byte pump shared by
// both the initiator and the terminator: one call to Run owns a Session
// for the lifetime of one attached WebSocket carrier.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/util"
)

// Outcome is the disposition the relay loop reports when it returns.
type Outcome int

const (
	// OutcomeWSError is a WebSocket I/O error; the carrier dropped but the
	// TCP side may still be healthy. The session is preserved.
	OutcomeWSError Outcome = iota
	// OutcomeWSDone is the WebSocket stream ending (EOF, or a normal or
	// going-away close frame), or ctx being cancelled. The session is
	// preserved.
	OutcomeWSDone
	// OutcomeTCPError is a TCP read/write failure. Terminal.
	OutcomeTCPError
	// OutcomeAckError is a protocol violation by the peer. Terminal.
	OutcomeAckError
	// OutcomeClosed is a graceful peer-initiated close. Terminal.
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWSError:
		return "ws_error"
	case OutcomeWSDone:
		return "ws_done"
	case OutcomeTCPError:
		return "tcp_error"
	case OutcomeAckError:
		return "ack_error"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kill reports whether this outcome means the session itself must be
// torn down, as opposed to merely losing this one carrier.
func (o Outcome) Kill() bool {
	return o == OutcomeTCPError || o == OutcomeAckError || o == OutcomeClosed
}

type tcpResult struct {
	data []byte
	err  error
}

type wsResult struct {
	kind int
	data []byte
	err  error
}

// Run attaches ws to sess and drives the relay loop until the TCP side
// fails (terminal), a protocol violation occurs (terminal), the peer
// closes gracefully (terminal), or the WebSocket carrier itself drops
// (recoverable). The caller is responsible for reattaching a fresh
// carrier on a recoverable outcome, and for evicting sess on a terminal
// one.
//
// On every return path Run waits for its own feedTCP/feedWS goroutines
// to actually exit before handing control back, forcing any blocked read
// to return via a deadline first if needed. On a recoverable outcome
// sess.TCP is preserved for reattach, so without this join the next
// carrier's feedTCP would start reading the same net.Conn while the
// previous one was still blocked in Read, racing for bytes and silently
// dropping whichever chunk the stale goroutine won.
func Run(ctx context.Context, sess *session.Session, ws *websocket.Conn) Outcome {
	if err := ws.WriteMessage(websocket.TextMessage, []byte(strconv.FormatUint(sess.WriteCursor, 10))); err != nil {
		return OutcomeWSError
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	tcpCh := make(chan tcpResult, 1)
	wsCh := make(chan wsResult, 1)
	go feedTCP(sess.TCP, tcpCh, done, &wg)
	go feedWS(ws, wsCh, done, &wg)

	defer func() {
		close(done)
		if tcp := sess.TCP; tcp != nil {
			tcp.SetReadDeadline(time.Now())
		}
		ws.SetReadDeadline(time.Now())
		wg.Wait()
		if tcp := sess.TCP; tcp != nil {
			tcp.SetReadDeadline(time.Time{})
		}
	}()

	var replayCursor uint64
	var replaySet bool

	for {
		select {
		case <-ctx.Done():
			return OutcomeWSDone

		case r := <-tcpCh:
			if r.err != nil {
				killSession(ws, sess)
				return OutcomeTCPError
			}
			sess.AppendTCP(r.data)
			util.Stats.AddBytesFromTCP(len(r.data))
			sess.Touch()
			if replaySet {
				if err := drain(ws, sess, &replayCursor); err != nil {
					return OutcomeWSError
				}
			}

		case r := <-wsCh:
			outcome, kill := handleWSMessage(ws, sess, r, &replayCursor, &replaySet)
			if outcome == nil {
				continue
			}
			if kill {
				killSession(ws, sess)
			}
			return *outcome
		}
	}
}

// handleWSMessage processes one inbound WebSocket message. A nil
// returned outcome means "keep looping"; otherwise the caller returns
// that outcome from Run, killing the session first if kill is true.
func handleWSMessage(ws *websocket.Conn, sess *session.Session, r wsResult, replayCursor *uint64, replaySet *bool) (*Outcome, bool) {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) || websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			o := OutcomeWSDone
			return &o, false
		}
		o := OutcomeWSError
		return &o, false
	}

	switch r.kind {
	case websocket.BinaryMessage:
		if err := writeAllTCP(sess.TCP, r.data); err != nil {
			o := OutcomeTCPError
			return &o, true
		}
		util.Stats.AddBytesToTCP(len(r.data))
		sess.WriteCursor += uint64(len(r.data))
		sess.Touch()
		return nil, false

	case websocket.TextMessage:
		if len(r.data) == 0 {
			o := OutcomeClosed
			return &o, true
		}
		ack, err := strconv.ParseUint(string(r.data), 10, 64)
		if err != nil {
			return nil, false // non-numeric text is ignored
		}
		*replayCursor, *replaySet, err = sess.ApplyAck(ack, *replayCursor, *replaySet)
		if err != nil {
			o := OutcomeAckError
			return &o, true
		}
		sess.Touch()
		if err := drain(ws, sess, replayCursor); err != nil {
			o := OutcomeWSError
			return &o, false
		}
		return nil, false

	default:
		return nil, false // ping/pong/other control frames are ignored
	}
}

// drain sends every unsent byte of sess.Buffer as one or more Binary
// frames, each capped at session.MaxFrameBytes, advancing replayCursor
// as it goes.
func drain(ws *websocket.Conn, sess *session.Session, replayCursor *uint64) error {
	for {
		slice := sess.NextReplaySlice(*replayCursor)
		if slice == nil {
			return nil
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, slice); err != nil {
			return err
		}
		*replayCursor += uint64(len(slice))
	}
}

// writeAllTCP loops until every byte of data has been written, since a
// single net.Conn.Write may accept fewer bytes than requested.
func writeAllTCP(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// killSession sends a courtesy empty Text close frame, closes the
// WebSocket, and tears the session down.
func killSession(ws *websocket.Conn, sess *session.Session) {
	ws.WriteMessage(websocket.TextMessage, nil)
	ws.Close()
	sess.Kill()
}

// feedTCP reads from conn and pushes results onto out until conn fails
// or done is closed. out holds at most one pending result, so TCP reads
// run at most one chunk ahead of the relay loop. wg.Done is
// called on exit so Run can join this goroutine before returning.
func feedTCP(conn net.Conn, out chan<- tcpResult, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, session.MaxFrameBytes)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- tcpResult{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- tcpResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

// feedWS reads messages from ws and pushes them onto out until ws fails
// or done is closed. wg.Done is called on exit so Run can join this
// goroutine before returning.
func feedWS(ws *websocket.Conn, out chan<- wsResult, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		kind, data, err := ws.ReadMessage()
		select {
		case out <- wsResult{kind: kind, data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
