package types

import "time"

// UnitStatus is the lifecycle state of one UploadUnit.
type UnitStatus string

const (
	StatusPending   UnitStatus = "pending"
	StatusUploading UnitStatus = "uploading"
	StatusCompleted UnitStatus = "completed"
	StatusFailed    UnitStatus = "failed"
)

func (s UnitStatus) String() string { return string(s) }

// IsValid reports whether s is one of the four known states.
func (s UnitStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for completed and failed.
func (s UnitStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal status edge.
// Retry (failed -> pending) is not a status edge; the registry handles it
// separately because it also assigns a new attempt.
func CanTransition(from, to UnitStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusUploading
	case StatusUploading:
		return to == StatusUploading || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// UploadUnit is one file's journey through the batch. Values of this type
// are copies; the registry owns the canonical record.
type UploadUnit struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	MediaType string     `json:"mediaType"`
	ByteSize  int64      `json:"byteSize"`
	Status    UnitStatus `json:"status"`
	Progress  int        `json:"progress"`
	Error     string     `json:"error,omitempty"`
	Attempt   uint64     `json:"attempt"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Meta returns the immutable file metadata of the unit.
func (u UploadUnit) Meta() UnitMeta {
	return UnitMeta{
		ID:        u.ID,
		Name:      u.Name,
		MediaType: u.MediaType,
		ByteSize:  u.ByteSize,
	}
}

// UnitMeta is what a transport needs to know about the file it sends.
type UnitMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	ByteSize  int64  `json:"byteSize"`
}

// Snapshot is an ordered, read-only copy of the batch.
type Snapshot struct {
	Version uint64       `json:"version"`
	Units   []UploadUnit `json:"units"`
}

// Len returns the number of units in the snapshot.
func (s Snapshot) Len() int { return len(s.Units) }

// Find returns the unit with the given id.
func (s Snapshot) Find(id string) (UploadUnit, bool) {
	for _, u := range s.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UploadUnit{}, false
}

// Counts tallies units per status.
func (s Snapshot) Counts() BatchCounts {
	var c BatchCounts
	c.Total = len(s.Units)
	for _, u := range s.Units {
		switch u.Status {
		case StatusPending:
			c.Pending++
		case StatusUploading:
			c.Uploading++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// BatchCounts summarises a snapshot.
type BatchCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether no unit is waiting or in flight.
func (c BatchCounts) Done() bool {
	return c.Pending == 0 && c.Uploading == 0
}
