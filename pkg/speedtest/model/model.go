package model

// Envelope is the body of every JSON response. Exactly one of Data and Error
// is non-nil; the other is serialized as null.
type Envelope struct {
	Data  any    `json:"data"`
	Error *Error `json:"error"`
}

// Error is a machine-readable error returned to the client.
type Error struct {
	// Code is a stable identifier such as TOO_LARGE.
	Code string `json:"code"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

// ServiceData describes the active test bound in client-usable terms.
//
// Size-bound servers populate Max and the recommended sizes, time-bound
// servers populate TimeLimit.
type ServiceData struct {
	// Max is the maximum number of bytes a single download or upload may
	// transfer.
	Max int64 `json:"max,omitempty"`
	// RecommendedDownload is the suggested download size in bytes.
	RecommendedDownload int64 `json:"recommendedDownload,omitempty"`
	// RecommendedUpload is the suggested upload size in bytes.
	RecommendedUpload int64 `json:"recommendedUpload,omitempty"`
	// TimeLimit is the duration of a time-bound subtest in milliseconds.
	TimeLimit int64 `json:"time_limit,omitempty"`
}

// ServiceDataResponse is the envelope returned by the service-data endpoint
// as seen by a client.
type ServiceDataResponse struct {
	Data  *ServiceData `json:"data"`
	Error *Error       `json:"error"`
}
