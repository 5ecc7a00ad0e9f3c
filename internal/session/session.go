// Package session implements a single download or upload throughput test.
//
// A Session is owned by the goroutine serving its HTTP exchange and is never
// shared. Its policy is evaluated lazily on every chunk pulled from a Source
// or pushed through Drain: there is no background timer, so a session that
// stops moving data never reaches its deadline.
package session

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/casterlabs/speedtest/internal/policy"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
)

var (
	// ErrTooLarge is returned when a transfer exceeds the size bound.
	ErrTooLarge = errors.New("size bound exceeded")
	// ErrTooLong is returned when an upload outlives the time bound.
	ErrTooLong = errors.New("time bound exceeded")
	// ErrAborted is returned when a download outlives the time bound. The
	// connection carrying it must be dropped rather than closed cleanly.
	ErrAborted = errors.New("session aborted past its deadline")
)

// State is the lifecycle state of a Session.
type State int

const (
	// Created sessions have resolved their policy but moved no data yet.
	Created State = iota
	// Streaming sessions are pulling or pushing chunks.
	Streaming
	// Completed sessions reached a natural end of stream within the bound.
	Completed
	// Truncated sessions ended with a structured error response.
	Truncated
	// Aborted sessions ended with a dropped connection.
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Truncated:
		return "truncated"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a single throughput test.
type Session struct {
	// Kind is the direction of the test.
	Kind spec.SubtestKind
	// Policy is the bound resolved when the session was created.
	Policy policy.Policy
	// StartedAt is the session's creation time.
	StartedAt time.Time

	bytes int64
	state State
	err   error
	now   func() time.Time
}

// New returns a Session in the Created state.
func New(kind spec.SubtestKind, p policy.Policy) *Session {
	return newWithClock(kind, p, time.Now)
}

func newWithClock(kind spec.SubtestKind, p policy.Policy, now func() time.Time) *Session {
	return &Session{
		Kind:      kind,
		Policy:    p,
		StartedAt: now(),
		now:       now,
	}
}

// BytesTransferred returns the number of payload bytes produced or consumed.
func (s *Session) BytesTransferred() int64 {
	return s.bytes
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	return s.err
}

// Elapsed returns the time since the session was created.
func (s *Session) Elapsed() time.Duration {
	return s.now().Sub(s.StartedAt)
}

// Fail ends a session that has not finished yet because its transport
// failed, e.g. the client went away mid-stream.
func (s *Session) Fail(err error) {
	s.finish(Aborted, err)
}

func (s *Session) expired() bool {
	return s.Policy.Kind == policy.TimeBound && s.Elapsed() > s.Policy.Cutoff()
}

func (s *Session) begin() {
	if s.state == Created {
		s.state = Streaming
	}
}

// finish moves the session to a terminal state. Only the first transition
// is recorded.
func (s *Session) finish(state State, err error) error {
	if s.state < Completed {
		s.state = state
		s.err = err
	}
	return err
}

// Source is the download side of a Session: an io.Reader producing the
// payload on demand.
type Source struct {
	s         *Session
	length    int64
	remaining int64
	rnd       *rand.Rand
}

// Source resolves the download length and returns the session's byte
// source. A negative requested size selects the maximum. In size-bound mode
// a request above the maximum fails with ErrTooLarge before any byte is
// produced. In time-bound mode the requested size is ignored and the source
// is unbounded.
func (s *Session) Source(requested int64) (*Source, error) {
	if s.Policy.Kind == policy.TimeBound {
		return &Source{s: s, length: -1, remaining: -1}, nil
	}
	size := requested
	if size < 0 {
		size = s.Policy.MaxBytes
	}
	if size > s.Policy.MaxBytes {
		return nil, s.finish(Truncated, ErrTooLarge)
	}
	return &Source{
		s:         s,
		length:    size,
		remaining: size,
		// Each Source has its own randomness source, so concurrent sessions
		// never share one. Seeding from the global source keeps sessions
		// created at the same instant from sending the same payload.
		rnd: rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Length returns the total number of bytes this source will produce, or -1
// if it is unbounded.
func (src *Source) Length() int64 {
	return src.length
}

// Read fills p with payload bytes. Size-bound sources return io.EOF once the
// resolved length has been produced. Time-bound sources return zero-filled
// chunks until the session's cutoff, then ErrAborted.
func (src *Source) Read(p []byte) (int, error) {
	s := src.s
	switch s.state {
	case Completed:
		return 0, io.EOF
	case Truncated, Aborted:
		return 0, s.err
	}
	s.begin()

	if src.length < 0 {
		if s.expired() {
			return 0, s.finish(Aborted, ErrAborted)
		}
		clear(p)
		s.bytes += int64(len(p))
		return len(p), nil
	}

	if src.remaining == 0 {
		s.finish(Completed, nil)
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > src.remaining {
		n = src.remaining
	}
	src.rnd.Read(p[:n])
	src.remaining -= n
	s.bytes += n
	return int(n), nil
}

// Expect checks the declared length of an upload before any byte is read.
// In size-bound mode a length above the maximum fails with ErrTooLarge.
// Negative lengths mean unknown and are always accepted.
func (s *Session) Expect(length int64) error {
	if s.Policy.Kind == policy.SizeBound && length > s.Policy.MaxBytes {
		return s.finish(Truncated, ErrTooLarge)
	}
	return nil
}

// Drain reads r until EOF, discarding its content, and returns nil if the
// whole stream fit in the session's bound. It stops reading as soon as the
// bound is exceeded: ErrTooLarge in size-bound mode (after consuming at most
// one byte over the maximum), ErrTooLong in time-bound mode. Read errors
// other than io.EOF are returned unchanged.
func (s *Session) Drain(r io.Reader) error {
	s.begin()
	buf := make([]byte, spec.UploadChunkSize)
	for {
		chunk := buf
		if s.Policy.Kind == policy.SizeBound {
			if room := s.Policy.MaxBytes - s.bytes + 1; room < int64(len(chunk)) {
				chunk = chunk[:room]
			}
		}
		n, err := r.Read(chunk)
		s.bytes += int64(n)
		if s.Policy.Kind == policy.SizeBound && s.bytes > s.Policy.MaxBytes {
			return s.finish(Truncated, ErrTooLarge)
		}
		if s.expired() {
			return s.finish(Truncated, ErrTooLong)
		}
		if err == io.EOF {
			return s.finish(Completed, nil)
		}
		if err != nil {
			return s.finish(Aborted, err)
		}
	}
}
