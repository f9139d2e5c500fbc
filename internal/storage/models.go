package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Folio is a conversation workspace. GetFolio populates Messages in
// chronological order and Summaries by creation time.
type Folio struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	Guidelines        string    `json:"guidelines,omitempty"`
	PersonaID         string    `json:"persona_id,omitempty"`
	ArtifactIDs       []string  `json:"artifact_ids,omitempty"`
	SharedArtifactIDs []string  `json:"shared_artifact_ids,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	Messages  []Message `json:"messages,omitempty"`
	Summaries []Summary `json:"summaries,omitempty"`
}

type Message struct {
	ID         string    `json:"id"`
	FolioID    string    `json:"folio_id"`
	Role       string    `json:"role"` // "user", "assistant", "system"
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
}

// SummaryKind is the bucket a summary belongs to.
type SummaryKind string

const (
	SummaryDaily   SummaryKind = "daily"
	SummaryWeekly  SummaryKind = "weekly"
	SummaryThread  SummaryKind = "thread"
	SummaryTopical SummaryKind = "topical"
)

// Valid reports whether k is one of the known summary kinds.
func (k SummaryKind) Valid() bool {
	switch k {
	case SummaryDaily, SummaryWeekly, SummaryThread, SummaryTopical:
		return true
	}
	return false
}

type Summary struct {
	ID         string      `json:"id"`
	FolioID    string      `json:"folio_id"`
	Kind       SummaryKind `json:"kind"`
	Content    string      `json:"content"`
	Importance float64     `json:"importance"`
	CreatedAt  time.Time   `json:"created_at"`
	ValidUntil time.Time   `json:"valid_until,omitzero"` // zero means no expiry
}

// Expired reports whether the summary's validity window has passed at now.
func (s Summary) Expired(now time.Time) bool {
	return !s.ValidUntil.IsZero() && !now.Before(s.ValidUntil)
}

type Artifact struct {
	ID        string    `json:"id"`
	FolioID   string    `json:"folio_id,omitempty"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Persona struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Identity string `json:"identity"`
	Tone     string `json:"tone"`
	Role     string `json:"role"`
}

// SettingActivePersona names the persona used when a folio has none.
const SettingActivePersona = "active_persona"

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
