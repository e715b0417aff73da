package domain

import (
	"regexp"
	"time"
)

const (
	KeyLength  = 6
	DefaultTTL = 30 * 24 * time.Hour
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// ValidKey reports whether k has the shape of a paste key.
func ValidKey(k string) bool {
	return keyPattern.MatchString(k)
}

type Paste struct {
	ID              string    `json:"-"`
	Key             string    `json:"key"`
	Content         string    `json:"content"`
	SealedContent   []byte    `json:"-"`
	ContentDEK      []byte    `json:"-"`
	Filename        string    `json:"filename,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Views           int64     `json:"views"`
	DeleteAfterView bool      `json:"delete_after_view"`
}

// Expired reports whether the paste must no longer be served at now.
func (p *Paste) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ViewRecord is the result of the atomic increment-and-fetch primitive.
// PreviousViews is the view count before this call's increment.
type ViewRecord struct {
	Paste
	PreviousViews int64
}

type CreateParams struct {
	Content         string
	Filename        string
	DeleteAfterView bool
	Files           []Upload
}

type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Consumption tells the caller what a first view under delete-after-view tore down.
type Consumption string

const (
	ConsumedNone  Consumption = ""
	ConsumedPaste Consumption = "paste"
	ConsumedFiles Consumption = "files"
)

type View struct {
	Key             string      `json:"key"`
	Content         string      `json:"content"`
	Filename        string      `json:"filename,omitempty"`
	Views           int64       `json:"views"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	DeleteAfterView bool        `json:"delete_after_view"`
	Consumed        Consumption `json:"consumed,omitempty"`
	Files           []FileInfo  `json:"files"`
}

type Created struct {
	Key             string     `json:"key"`
	ExpiresAt       time.Time  `json:"expires_at"`
	DeleteAfterView bool       `json:"delete_after_view"`
	Files           []FileInfo `json:"files"`
}

// ExpiredPaste is a sweep candidate together with the blobs it owns.
type ExpiredPaste struct {
	ID    string
	Key   string
	Files []File
}
