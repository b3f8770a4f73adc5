package store

import (
	"time"

	"codeflow/api/internal/util"
)

type SyncStatus string

const (
	SyncLocalOnly SyncStatus = "LOCAL_ONLY"
	SyncSynced    SyncStatus = "SYNCED"
)

// Commit is an immutable snapshot of a code buffer. Only SyncStatus changes
// after creation, and only from SyncLocalOnly to SyncSynced.
type Commit struct {
	ID         string     `json:"id"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Code       string     `json:"code"`
	Language   string     `json:"language"`
	Author     string     `json:"author"`
	SyncStatus SyncStatus `json:"syncStatus"`
}

func (c Commit) IsSynced() bool {
	return c.SyncStatus == SyncSynced
}

type Origin string

const (
	OriginLocalPending   Origin = "LOCAL_PENDING"
	OriginCloudConfirmed Origin = "CLOUD_CONFIRMED"
)

// LocalIDPrefix marks history ids minted on the device. Remote stores never
// assign ids with this prefix.
const (
	LocalIDTag    = "local"
	LocalIDPrefix = LocalIDTag + "_"
)

type HistoryRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	Title     string    `json:"title,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Origin    Origin    `json:"origin"`
}

func IsLocalID(id string) bool {
	return util.HasTag(id, LocalIDTag)
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}
