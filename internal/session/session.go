// Package session holds the per-tunnel state that survives across
// successive WebSocket carriers: cursors, the unacked replay buffer, and
// the underlying TCP handle.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// MaxFrameBytes bounds every outbound binary frame.
	MaxFrameBytes = 8192

	minTimeoutMs     = 0
	maxTimeoutMs     = 300000
	DefaultTimeoutMs = 30000
)

// ErrAck is returned by ApplyAck when the peer's ack violates the
// protocol: it moved backwards, or claims receipt of bytes never sent
// on the current carrier, or bytes never buffered at all.
var ErrAck = errors.New("session: protocol violation in ack")

// ClampTimeout bounds ms to [0, 300000], the range spec.md's timeout_ms
// attribute is defined over.
func ClampTimeout(ms int) int {
	if ms < minTimeoutMs {
		return minTimeoutMs
	}
	if ms > maxTimeoutMs {
		return maxTimeoutMs
	}
	return ms
}

// Session is one logical TCP byte stream, possibly carried over many
// successive WebSocket connections. The zero value is not usable; build
// one with New. A Session's mutex is held for the entire lifetime of a
// relay loop attached to it — that is both how concurrent attach is
// refused and how the store's sweeper avoids reaping a live session.
type Session struct {
	mu sync.Mutex

	ID        uint64
	TCP       net.Conn
	TimeoutMs int

	WriteCursor uint64 // bytes confirmed written to the local TCP peer
	ReadCursor  uint64 // bytes confirmed received by the remote WS peer
	Buffer      []byte // unacked suffix of bytes read from TCP

	Closed  bool
	LastUse time.Time
}

// New builds a Session with the given id, optional TCP handle, and
// timeout (already clamped by the caller via ClampTimeout).
func New(id uint64, tcp net.Conn, timeoutMs int) *Session {
	return &Session{
		ID:        id,
		TCP:       tcp,
		TimeoutMs: timeoutMs,
		LastUse:   time.Now(),
	}
}

// Lock acquires the session's exclusive lock, blocking until available.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's exclusive lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// TryLock attempts to acquire the session's exclusive lock without
// blocking. The sweeper uses this so it never reaps a session with an
// active relay loop.
func (s *Session) TryLock() bool { return s.mu.TryLock() }

// Touch stamps LastUse with the current time.
func (s *Session) Touch() { s.LastUse = time.Now() }

// IdleFor reports how long it has been since the session's last activity.
func (s *Session) IdleFor() time.Duration { return time.Since(s.LastUse) }

// AppendTCP appends bytes read from the local TCP peer to the replay
// buffer. Called only by the relay loop that currently owns this session.
func (s *Session) AppendTCP(b []byte) {
	s.Buffer = append(s.Buffer, b...)
}

// NextReplaySlice returns the next frame-sized slice of Buffer starting
// at replayCursor, or nil if replayCursor has caught up with the buffer.
// The returned slice aliases Buffer and must not be retained across a
// subsequent ApplyAck call, which may shift Buffer's backing array.
func (s *Session) NextReplaySlice(replayCursor uint64) []byte {
	if replayCursor >= uint64(len(s.Buffer)) {
		return nil
	}
	end := replayCursor + MaxFrameBytes
	if end > uint64(len(s.Buffer)) {
		end = uint64(len(s.Buffer))
	}
	return s.Buffer[replayCursor:end]
}

// ApplyAck validates and applies an inbound ack. The replay cursor is
// carrier-local state owned by the relay loop (it must reset to unset on
// every reattach), so it is threaded through as parameters rather than
// stored on the Session; ApplyAck returns the updated replay cursor
// alongside any error.
//
// On success, ReadCursor is set to ack (not advanced by ack a second
// time — see the ack-advancement note this repo's design notes record),
// and the acked prefix is dropped from Buffer.
func (s *Session) ApplyAck(ack uint64, replayCursor uint64, replaySet bool) (uint64, bool, error) {
	if ack < s.ReadCursor {
		return replayCursor, replaySet, fmt.Errorf("%w: ack %d is behind read_cursor %d", ErrAck, ack, s.ReadCursor)
	}
	delta := ack - s.ReadCursor
	s.ReadCursor = ack

	if !replaySet {
		replayCursor = 0
		replaySet = true
	} else if delta > replayCursor {
		return replayCursor, replaySet, fmt.Errorf("%w: ack claims %d unsent bytes", ErrAck, delta-replayCursor)
	} else {
		replayCursor -= delta
	}

	if delta > uint64(len(s.Buffer)) {
		return replayCursor, replaySet, fmt.Errorf("%w: ack claims %d bytes beyond buffered %d", ErrAck, delta, len(s.Buffer))
	}
	s.Buffer = append(s.Buffer[:0], s.Buffer[delta:]...)

	return replayCursor, replaySet, nil
}

// Kill tears the session down: closes the TCP handle, clears the buffer
// and cursors, resets the timeout to its default, and marks the session
// terminal. Idempotent.
func (s *Session) Kill() {
	if s.Closed {
		return
	}
	if s.TCP != nil {
		s.TCP.Close()
		s.TCP = nil
	}
	s.Buffer = nil
	s.WriteCursor = 0
	s.ReadCursor = 0
	s.TimeoutMs = DefaultTimeoutMs
	s.Closed = true
	s.Touch()
}
