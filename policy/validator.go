// Package policy decides which files may enter a batch.
package policy

import (
	"fmt"
	"mime"
	"slices"
	"strings"
)

// DefaultMaxBytes is the size ceiling used when none is configured (100 MiB).
const DefaultMaxBytes int64 = 100 << 20

// DefaultAllowedTypes covers documents, raster/vector images, CAD exchange
// formats, spreadsheets, tabular text and geodata interchange formats.
var DefaultAllowedTypes = []string{
	// documents
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.oasis.opendocument.text",
	"application/rtf",
	"text/plain",
	// images
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/tiff",
	"image/bmp",
	"image/svg+xml",
	// CAD exchange
	"image/vnd.dxf",
	"application/dxf",
	"image/vnd.dwg",
	"application/acad",
	"model/iges",
	"model/step",
	// spreadsheets
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.oasis.opendocument.spreadsheet",
	// tabular text
	"text/csv",
	"text/tab-separated-values",
	// geodata
	"application/geo+json",
	"application/vnd.google-earth.kml+xml",
	"application/vnd.google-earth.kmz",
	"application/gpx+xml",
	"application/gml+xml",
	"application/x-shapefile",
}

// RejectReason tells why a file was refused.
type RejectReason string

const (
	UnsupportedType RejectReason = "UnsupportedType"
	TooLarge        RejectReason = "TooLarge"
)

func (r RejectReason) String() string { return string(r) }

// Decision is the tagged outcome of Validate. Reason and Detail are empty
// when Accepted is true.
type Decision struct {
	Accepted bool
	Reason   RejectReason
	Detail   string
}

func accept() Decision { return Decision{Accepted: true} }

func reject(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Policy is an immutable allow-list plus size ceiling. It is safe for
// concurrent use.
type Policy struct {
	allowed  map[string]struct{}
	maxBytes int64
}

// New builds a policy. A nil or empty allow-list selects DefaultAllowedTypes
// and a non-positive maxBytes selects DefaultMaxBytes.
func New(allowedTypes []string, maxBytes int64) *Policy {
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	p := &Policy{
		allowed:  make(map[string]struct{}, len(allowedTypes)),
		maxBytes: maxBytes,
	}
	for _, t := range allowedTypes {
		if n := Normalize(t); n != "" {
			p.allowed[n] = struct{}{}
		}
	}
	return p
}

// DefaultPolicy returns New(nil, 0).
func DefaultPolicy() *Policy {
	return New(nil, 0)
}

// MaxBytes returns the configured size ceiling.
func (p *Policy) MaxBytes() int64 { return p.maxBytes }

// AllowedTypes returns the allow-list, sorted.
func (p *Policy) AllowedTypes() []string {
	out := make([]string, 0, len(p.allowed))
	for t := range p.allowed {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Allows reports whether mediaType is on the allow-list.
func (p *Policy) Allows(mediaType string) bool {
	_, ok := p.allowed[Normalize(mediaType)]
	return ok
}

// Validate accepts a file iff its media type is allowed and byteSize does not
// exceed the ceiling. The type is checked first, so a file failing both
// checks is reported as UnsupportedType. A negative size cannot be shown to
// fit and is reported as TooLarge.
func (p *Policy) Validate(mediaType string, byteSize int64) Decision {
	if !p.Allows(mediaType) {
		if strings.TrimSpace(mediaType) == "" {
			return reject(UnsupportedType, "missing media type")
		}
		return reject(UnsupportedType, fmt.Sprintf("media type %q is not allowed", mediaType))
	}
	if byteSize < 0 {
		return reject(TooLarge, fmt.Sprintf("unknown size %d", byteSize))
	}
	if byteSize > p.maxBytes {
		return reject(TooLarge, fmt.Sprintf("%d bytes exceeds the %d byte limit", byteSize, p.maxBytes))
	}
	return accept()
}

// Normalize lowercases a media type and strips its parameters, so
// "Text/CSV; charset=utf-8" becomes "text/csv".
func Normalize(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
