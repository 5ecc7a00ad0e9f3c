// Package policy defines the bound applied to every throughput test session
// and a holder that lets configuration reloads replace it atomically.
package policy

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/casterlabs/speedtest/pkg/speedtest/model"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
)

// Kind selects how a session is bounded.
type Kind int

const (
	// SizeBound caps the number of bytes transferred.
	SizeBound Kind = iota
	// TimeBound caps the wall-clock duration of the transfer.
	TimeBound
)

func (k Kind) String() string {
	switch k {
	case SizeBound:
		return "size"
	case TimeBound:
		return "time"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Policy is the bound applied to a session. Only the fields matching Kind are
// meaningful.
type Policy struct {
	Kind Kind

	// MaxBytes is the size bound.
	MaxBytes int64

	// TimeLimit is the nominal duration of a time-bound session.
	TimeLimit time.Duration
	// Grace is tolerated past TimeLimit before the session is cut off.
	Grace time.Duration
}

// BySize returns a size-bound Policy.
func BySize(maxBytes int64) Policy {
	return Policy{Kind: SizeBound, MaxBytes: maxBytes}
}

// ByTime returns a time-bound Policy with the default grace window.
func ByTime(limit time.Duration) Policy {
	return Policy{Kind: TimeBound, TimeLimit: limit, Grace: spec.GraceWindow}
}

// Validate returns an error if the policy cannot bound a session.
func (p Policy) Validate() error {
	switch p.Kind {
	case SizeBound:
		if p.MaxBytes <= 0 {
			return errors.New("size bound must be positive")
		}
	case TimeBound:
		if p.TimeLimit <= 0 {
			return errors.New("time limit must be positive")
		}
		if p.Grace < 0 {
			return errors.New("grace window cannot be negative")
		}
	default:
		return fmt.Errorf("unknown policy kind %v", p.Kind)
	}
	return nil
}

// Cutoff is the elapsed time after which a time-bound session is over.
func (p Policy) Cutoff() time.Duration {
	return p.TimeLimit + p.Grace
}

// Capabilities describes the policy in the terms clients use to size their
// tests.
func (p Policy) Capabilities() model.ServiceData {
	if p.Kind == TimeBound {
		return model.ServiceData{TimeLimit: p.TimeLimit.Milliseconds()}
	}
	return model.ServiceData{
		Max:                 p.MaxBytes,
		RecommendedDownload: p.MaxBytes / spec.RecommendedDownloadDivisor,
		RecommendedUpload:   p.MaxBytes / spec.RecommendedUploadDivisor,
	}
}

// Holder stores the active Policy. Sessions call Load once when they start,
// so a Store only affects sessions created afterwards.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder returns a Holder initialized with p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns a copy of the active Policy.
func (h *Holder) Load() Policy {
	return *h.current.Load()
}

// Store replaces the active Policy.
func (h *Holder) Store(p Policy) {
	h.current.Store(&p)
}
