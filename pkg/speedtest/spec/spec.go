// Package spec contains constants for the speedtest HTTP protocol.
package spec

import "time"

const (
	// IndexPath serves the landing page.
	IndexPath = "/"
	// ServiceDataPath returns the server's test limits.
	ServiceDataPath = "/test/service-data"
	// PingPath is an empty round trip used for latency measurements.
	PingPath = "/test/ping"
	// DownloadPath selects the download subtest.
	DownloadPath = "/test/download"
	// UploadPath selects the upload subtest.
	UploadPath = "/test/upload"

	// DefaultMaxSize is the default size bound in bytes (200MB).
	DefaultMaxSize = 200 * 1000 * 1000

	// DefaultTimeLimit is the default time bound of a subtest.
	DefaultTimeLimit = 10 * time.Second

	// GraceWindow is the extra time tolerated past a time bound before a
	// session is cut off.
	GraceWindow = 5 * time.Second

	// RecommendedDownloadDivisor and RecommendedUploadDivisor derive the
	// recommended transfer sizes from the size bound.
	RecommendedDownloadDivisor = 2
	RecommendedUploadDivisor   = 40

	// DownloadChunkSize is the buffer size used to pull bytes from a download
	// source into the response.
	DownloadChunkSize = 1 << 16

	// UploadChunkSize is the size of each discarded read from an upload body.
	UploadChunkSize = 2048

	// SizeParam is the querystring parameter selecting the download size.
	SizeParam = "size"
	// CCParam is the querystring parameter requesting a congestion control
	// algorithm.
	CCParam = "cc"

	// AllowedMethods is the value of Access-Control-Allow-Methods.
	AllowedMethods = "OPTIONS, GET, PATCH"
	// PreflightMaxAge is the value of Access-Control-Max-Age (24 hours).
	PreflightMaxAge = "86400"
)

// Error codes sent in structured error responses.
const (
	CodeTooLarge       = "TOO_LARGE"
	CodeTooLong        = "TOO_LONG"
	CodeNotImplemented = "NOT_IMPLEMENTED"
)

// SubtestKind indicates the subtest kind
type SubtestKind string

const (
	// SubtestDownload is a download subtest
	SubtestDownload = SubtestKind("download")

	// SubtestUpload is a upload subtest
	SubtestUpload = SubtestKind("upload")
)
