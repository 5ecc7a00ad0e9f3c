package client

import (
	"time"
)

// Config is the configuration for a Client.
type Config struct {
	// Server is the host[:port] of the server to test against. If empty, the
	// server is obtained by querying the configured Locator.
	Server string

	// Scheme is the HTTP scheme used to connect to the server (http or https).
	Scheme string

	// CongestionControl is the congestion control algorithm to request from
	// the server. Empty means the server's default.
	CongestionControl string

	// MaxTestTime caps the duration of a size-bound download or upload.
	// Time-bound servers use the duration they advertise instead.
	MaxTestTime time.Duration

	// UploadChunkSize is the body size of each request during a time-bound
	// upload.
	UploadChunkSize int64

	// Emitter is the interface used to emit the results of the test. It can be overridden
	// to provide a custom output.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification.
	NoVerify bool
}
