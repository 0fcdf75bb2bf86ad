package types

import "time"

// SubmitRequest is the body of POST /api/self/v1/submit
type SubmitRequest struct {
	Files []FileInput `json:"files"`
}

// SubmitReceipt is kept for a while after a submission so clients can look
// the per-file outcomes up again.
type SubmitReceipt struct {
	SubmissionId string    `json:"submissionId"`
	CreatedAt    time.Time `json:"createdAt"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	Outcomes     []Outcome `json:"outcomes"`
}

// BatchResponse is the body of GET /api/self/v1/batch
type BatchResponse struct {
	Version uint64       `json:"version"`
	Counts  BatchCounts  `json:"counts"`
	Units   []UploadUnit `json:"units"`
}

// IngestResponse is what the ingestion endpoint answers on success.
type IngestResponse struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// PolicyResponse is the body of GET /api/self/v1/policy
type PolicyResponse struct {
	AllowedTypes []string `json:"allowedTypes"`
	MaxBytes     int64    `json:"maxBytes"`
}

// ReachabilityResult reports whether a network boundary answered.
type ReachabilityResult struct {
	Target    string `json:"target"`
	Reachable bool   `json:"reachable"`
	Method    string `json:"method,omitempty"` // "http" or "icmp"
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}
