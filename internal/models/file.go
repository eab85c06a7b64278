package models

import (
	"fmt"
	"time"
)

type FileStatus string

const (
	FileStatusPending      FileStatus = "pending"
	FileStatusProcessing   FileStatus = "processing"
	FileStatusProcessed    FileStatus = "processed"
	FileStatusFailed       FileStatus = "failed"
	FileStatusDeadLettered FileStatus = "dead_lettered"
)

func (s FileStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no worker will ever move the file again.
func (s FileStatus) Terminal() bool {
	return s == FileStatusProcessed || s == FileStatusDeadLettered
}

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindVideo
}

type File struct {
	ID            int64
	OwningPostID  *int64
	StoredKey     string
	NormalizedKey string
	ThumbnailKey  string
	OriginalName  string
	DeclaredKind  MediaKind
	MimeType      string
	ByteSize      int64
	Checksum      string
	Width         int
	Height        int
	Status        FileStatus
	AttemptCount  int
	LastError     string
	LockToken     string
	LockedAt      *time.Time
	CreatedAt     time.Time
	LastModified  time.Time
}

func (f File) Orphan() bool {
	return f.OwningPostID == nil
}

// validTransitions is the full status graph; deletion is handled separately.
var validTransitions = map[FileStatus]map[FileStatus]bool{
	FileStatusPending:      {FileStatusProcessing: true},
	FileStatusProcessing:   {FileStatusProcessed: true, FileStatusFailed: true},
	FileStatusProcessed:    {},
	FileStatusFailed:       {FileStatusProcessing: true, FileStatusDeadLettered: true},
	FileStatusDeadLettered: {},
}

func CanTransition(from, to FileStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func CanDelete(s FileStatus) bool {
	return s != FileStatusProcessing
}

type TransitionError struct {
	FileID int64
	From   FileStatus
	To     FileStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("file %d: illegal transition %s -> %s", e.FileID, e.From, e.To)
}

// CheckTransition returns a *TransitionError when from -> to is not in the graph.
func CheckTransition(id int64, from, to FileStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{FileID: id, From: from, To: to}
	}
	return nil
}
