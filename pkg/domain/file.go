package domain

import "time"

type File struct {
	ID          string
	PasteID     string
	Filename    string
	MimeType    string
	SizeBytes   int64
	StoragePath string
	BlobDEK     []byte
	CreatedAt   time.Time
}

func (f *File) Info() FileInfo {
	return FileInfo{
		ID:        f.ID,
		Filename:  f.Filename,
		MimeType:  f.MimeType,
		SizeBytes: f.SizeBytes,
	}
}

type FileInfo struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size"`
}

// FileClaim is what the atomic download claim hands to exactly one caller.
type FileClaim struct {
	File
	ShouldDelete bool
}

type Download struct {
	Filename string
	MimeType string
	Data     []byte
	Consumed bool
}
