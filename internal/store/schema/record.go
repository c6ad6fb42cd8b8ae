package schema

import (
	"fmt"
	"time"
)

// SyncStatus tracks where a local record is in its sync lifecycle.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Meta is the sync metadata carried by every local record.
//
// LocalID is generated on the device and never changes. ServerID is assigned
// once the remote service acknowledges the record. Only the write path sets
// StatusPending; only the push pipeline and imports set StatusSynced.
type Meta struct {
	LocalID         string     `json:"localId"`
	ServerID        string     `json:"serverId,omitempty"`
	UserID          string     `json:"userId"`
	SyncStatus      SyncStatus `json:"syncStatus"`
	LastModified    time.Time  `json:"lastModified"`
	LastSynced      *time.Time `json:"lastSynced,omitempty"`
	ServerCreatedAt int64      `json:"serverCreatedAt,omitempty"`
}

// Record is implemented by every application record the engine syncs.
type Record interface {
	Metadata() *Meta
	Family() Family
}

// MoodEntry is a single mood check-in.
type MoodEntry struct {
	Meta
	Mood       int       `json:"mood"` // 1 (very low) .. 5 (very good)
	Note       string    `json:"note,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (m *MoodEntry) Metadata() *Meta { return &m.Meta }
func (m *MoodEntry) Family() Family { return FamilyMoods }

// Validate checks the mood value and timestamps.
func (m *MoodEntry) Validate() error {
	if m.Mood < 1 || m.Mood > 5 {
		return fmt.Errorf("mood must be between 1 and 5 (got %d)", m.Mood)
	}
	if m.RecordedAt.IsZero() {
		return fmt.Errorf("recordedAt is required")
	}
	return nil
}

// ProgressEntry records a numeric progress metric.
type ProgressEntry struct {
	Meta
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (p *ProgressEntry) Metadata() *Meta { return &p.Meta }
func (p *ProgressEntry) Family() Family { return FamilyProgress }

// Validate checks required progress fields.
func (p *ProgressEntry) Validate() error {
	if p.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if p.RecordedAt.IsZero() {
		return fmt.Errorf("recordedAt is required")
	}
	return nil
}

// ChatMessage is one message in a chat thread of a given type.
type ChatMessage struct {
	Meta
	ChatType string    `json:"chatType"`
	Role     string    `json:"role"` // user, assistant
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
}

func (c *ChatMessage) Metadata() *Meta { return &c.Meta }
func (c *ChatMessage) Family() Family { return FamilyChat }

// Validate checks required chat fields.
func (c *ChatMessage) Validate() error {
	if c.ChatType == "" {
		return fmt.Errorf("chatType is required")
	}
	if c.Role == "" {
		return fmt.Errorf("role is required")
	}
	if c.Content == "" {
		return fmt.Errorf("content is required")
	}
	if c.SentAt.IsZero() {
		return fmt.Errorf("sentAt is required")
	}
	return nil
}

// CollectionOf returns the collection a record belongs to.
func CollectionOf(r Record) Collection {
	switch v := r.(type) {
	case *MoodEntry:
		return Moods
	case *ProgressEntry:
		return Progress
	case *ChatMessage:
		return ChatCollection(v.ChatType)
	default:
		return ""
	}
}

// RemoteRecord is a document as returned by the remote service.
// CreationTime is milliseconds since the epoch and increases monotonically
// per collection on the server.
type RemoteRecord struct {
	ID           string         `json:"_id"`
	CreationTime int64          `json:"_creationTime"`
	Fields       map[string]any `json:"fields"`
}
