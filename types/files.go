package types

import (
	"fmt"
	"io"
)

// OpenFunc opens the file body for one transfer attempt.
type OpenFunc func() (io.ReadCloser, error)

// FileDescriptor is one entry of a raw file selection.
type FileDescriptor struct {
	Name      string   `json:"fileName"`
	MediaType string   `json:"fileType"`
	Size      int64    `json:"size"`
	Path      string   `json:"path,omitempty"` // local path when the file came from disk
	Open      OpenFunc `json:"-"`
}

// FileInput is the JSON shape accepted by the submit API.
type FileInput struct {
	FileName string `json:"fileName,omitempty"` // optional if fileUrl is provided
	FileType string `json:"fileType,omitempty"` // optional if fileUrl is provided
	Size     int64  `json:"size,omitempty"`     // optional if fileUrl is provided
	FileUrl  string `json:"fileUrl,omitempty"`  // file:// url, file info is read from disk
}

// OutcomeKind tags a per-file submission outcome.
type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "accepted"
	OutcomeRejected OutcomeKind = "rejected"
)

// Outcome is the result of submitting one file.
type Outcome struct {
	Index  int         `json:"index"`
	Name   string      `json:"fileName"`
	Kind   OutcomeKind `json:"outcome"`
	ID     string      `json:"id,omitempty"`     // set when accepted
	Reason string      `json:"reason,omitempty"` // set when rejected
	Detail string      `json:"detail,omitempty"`
}

// Accepted reports whether the file entered the batch.
func (o Outcome) Accepted() bool { return o.Kind == OutcomeAccepted }

func (o Outcome) String() string {
	if o.Accepted() {
		return fmt.Sprintf("%s: accepted (%s)", o.Name, o.ID)
	}
	return fmt.Sprintf("%s: rejected (%s)", o.Name, o.Reason)
}
