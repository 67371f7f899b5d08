package session

import (
	"errors"
	"testing"
)

func TestApplyAckAdvancesToAckNotPastIt(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	s.AppendTCP([]byte("hello world"))

	replayCursor, replaySet, err := s.ApplyAck(0, 0, false)
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if !replaySet || replayCursor != 0 {
		t.Fatalf("expected replay cursor initialized to 0, got %d set=%v", replayCursor, replaySet)
	}

	replayCursor = uint64(len(s.Buffer)) // pretend everything was sent this carrier
	replayCursor, replaySet, err = s.ApplyAck(5, replayCursor, replaySet)
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if s.ReadCursor != 5 {
		t.Fatalf("expected read_cursor == ack (5), got %d", s.ReadCursor)
	}
	if string(s.Buffer) != " world" {
		t.Fatalf("expected buffer prefix dropped, got %q", s.Buffer)
	}
	if replayCursor != uint64(len(s.Buffer)) {
		t.Fatalf("expected replay cursor decremented by delta, got %d", replayCursor)
	}
}

func TestApplyAckRejectsBackwardsAck(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	s.AppendTCP([]byte("0123456789"))

	_, _, err := s.ApplyAck(5, 0, false)
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}

	_, _, err = s.ApplyAck(3, 5, true)
	if !errors.Is(err, ErrAck) {
		t.Fatalf("expected ErrAck for backwards ack, got %v", err)
	}
}

func TestApplyAckRejectsClaimBeyondBuffered(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	s.AppendTCP([]byte("hi")) // 2 bytes total

	_, _, err := s.ApplyAck(9999, 0, false)
	if !errors.Is(err, ErrAck) {
		t.Fatalf("expected ErrAck for ack beyond buffered bytes, got %v", err)
	}
}

func TestApplyAckRejectsClaimBeyondReplayCursor(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	s.AppendTCP([]byte("0123456789"))

	// replay cursor at 2 (only 2 bytes sent on this carrier so far), but
	// the peer claims to have received 5.
	_, _, err := s.ApplyAck(5, 2, true)
	if !errors.Is(err, ErrAck) {
		t.Fatalf("expected ErrAck, got %v", err)
	}
}

func TestBufferBoundInvariant(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	total := 0
	for _, chunk := range []string{"abc", "defg", "hi"} {
		s.AppendTCP([]byte(chunk))
		total += len(chunk)
	}
	if uint64(len(s.Buffer)) > uint64(total)-s.ReadCursor {
		t.Fatalf("buffer exceeds bound: len=%d total=%d read_cursor=%d", len(s.Buffer), total, s.ReadCursor)
	}

	if _, _, err := s.ApplyAck(4, uint64(total), true); err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if uint64(len(s.Buffer)) > uint64(total)-s.ReadCursor {
		t.Fatalf("buffer exceeds bound after ack: len=%d total=%d read_cursor=%d", len(s.Buffer), total, s.ReadCursor)
	}
}

func TestNextReplaySliceCapsAtMaxFrameBytes(t *testing.T) {
	s := New(1, nil, DefaultTimeoutMs)
	s.AppendTCP(make([]byte, MaxFrameBytes+100))

	first := s.NextReplaySlice(0)
	if len(first) != MaxFrameBytes {
		t.Fatalf("expected %d bytes, got %d", MaxFrameBytes, len(first))
	}

	second := s.NextReplaySlice(MaxFrameBytes)
	if len(second) != 100 {
		t.Fatalf("expected 100 remaining bytes, got %d", len(second))
	}

	if s.NextReplaySlice(uint64(len(s.Buffer))) != nil {
		t.Fatalf("expected nil once replay cursor caught up")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s := New(1, nil, 1234)
	s.AppendTCP([]byte("data"))
	if _, _, err := s.ApplyAck(2, 0, false); err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	s.Kill()
	if !s.Closed || s.Buffer != nil || s.TCP != nil {
		t.Fatalf("expected session torn down after Kill")
	}
	if s.WriteCursor != 0 || s.ReadCursor != 0 {
		t.Fatalf("expected cursors reset to 0 after Kill, got write=%d read=%d", s.WriteCursor, s.ReadCursor)
	}
	if s.TimeoutMs != DefaultTimeoutMs {
		t.Fatalf("expected timeout reset to default after Kill, got %d", s.TimeoutMs)
	}
	s.Kill() // must not panic
}

func TestClampTimeout(t *testing.T) {
	cases := map[int]int{-5: 0, 0: 0, 30000: 30000, 300000: 300000, 999999: 300000}
	for in, want := range cases {
		if got := ClampTimeout(in); got != want {
			t.Fatalf("ClampTimeout(%d) = %d, want %d", in, got, want)
		}
	}
}
