package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPayloadDecode is wrapped by every payload decoding failure.
var ErrPayloadDecode = errors.New("payload decode failed")

// Payload is the decoded body of an outbox operation.
// Each collection family has one concrete payload type for upserts;
// deletes share DeletePayload.
type Payload interface {
	LocalID() string
	// Owner is the identity that created the operation, or "" if unknown.
	Owner() string
}

// Ref identifies the local record and owner an operation belongs to.
type Ref struct {
	Local string `json:"localId"`
	User  string `json:"userId,omitempty"`
}

func (r Ref) LocalID() string { return r.Local }
func (r Ref) Owner() string   { return r.User }

// MoodPayload is the upsert payload for the moods collection.
type MoodPayload struct {
	Ref
	Mood         int      `json:"mood"`
	Note         string   `json:"note,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	RecordedAt   int64    `json:"recordedAt"`
	LastModified int64    `json:"lastModified,omitempty"`
}

// ProgressPayload is the upsert payload for the progress collection.
type ProgressPayload struct {
	Ref
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Note         string  `json:"note,omitempty"`
	RecordedAt   int64   `json:"recordedAt"`
	LastModified int64   `json:"lastModified,omitempty"`
}

// ChatPayload is the upsert payload for chat collections.
type ChatPayload struct {
	Ref
	ChatType     string `json:"chatType"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	SentAt       int64  `json:"sentAt"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// DeletePayload removes a previously synced record from the remote service.
type DeletePayload struct {
	Ref
	ServerID string `json:"serverId"`
}

// DecodePayload decodes raw into the concrete payload type for the
// collection and kind. Malformed or incomplete payloads return an error
// wrapping ErrPayloadDecode.
func DecodePayload(c Collection, kind OpKind, raw []byte) (Payload, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown operation kind %q", ErrPayloadDecode, kind)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrPayloadDecode)
	}

	if kind == OpDelete {
		var p DeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		if p.ServerID == "" {
			return nil, fmt.Errorf("%w: delete requires serverId", ErrPayloadDecode)
		}
		return &p, nil
	}

	var (
		p   Payload
		err error
	)
	switch c.Family() {
	case FamilyMoods:
		var m MoodPayload
		if err = json.Unmarshal(raw, &m); err == nil {
			err = m.validate()
		}
		p = &m
	case FamilyProgress:
		var pr ProgressPayload
		if err = json.Unmarshal(raw, &pr); err == nil {
			err = pr.validate()
		}
		p = &pr
	case FamilyChat:
		var ch ChatPayload
		if err = json.Unmarshal(raw, &ch); err == nil {
			err = ch.validate(c.ChatType())
		}
		p = &ch
	default:
		return nil, fmt.Errorf("%w: unknown collection %q", ErrPayloadDecode, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPayloadDecode, c, err)
	}
	return p, nil
}

func (m *MoodPayload) validate() error {
	if m.Local == "" {
		return fmt.Errorf("localId is required")
	}
	if m.Mood < 1 || m.Mood > 5 {
		return fmt.Errorf("mood must be between 1 and 5 (got %d)", m.Mood)
	}
	if m.RecordedAt <= 0 {
		return fmt.Errorf("recordedAt is required")
	}
	return nil
}

func (p *ProgressPayload) validate() error {
	if p.Local == "" {
		return fmt.Errorf("localId is required")
	}
	if p.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if p.RecordedAt <= 0 {
		return fmt.Errorf("recordedAt is required")
	}
	return nil
}

func (c *ChatPayload) validate(chatType string) error {
	if c.Local == "" {
		return fmt.Errorf("localId is required")
	}
	if c.ChatType == "" {
		c.ChatType = chatType
	}
	if c.ChatType != chatType {
		return fmt.Errorf("chatType %q does not match collection chat type %q", c.ChatType, chatType)
	}
	if c.Role == "" || c.Content == "" {
		return fmt.Errorf("role and content are required")
	}
	if c.SentAt <= 0 {
		return fmt.Errorf("sentAt is required")
	}
	return nil
}

// PayloadFor builds the upsert payload for a local record.
func PayloadFor(r Record) (Payload, error) {
	meta := r.Metadata()
	ref := Ref{Local: meta.LocalID, User: meta.UserID}
	modified := toMillis(meta.LastModified)

	switch v := r.(type) {
	case *MoodEntry:
		return &MoodPayload{Ref: ref, Mood: v.Mood, Note: v.Note, Tags: v.Tags,
			RecordedAt: toMillis(v.RecordedAt), LastModified: modified}, nil
	case *ProgressEntry:
		return &ProgressPayload{Ref: ref, Metric: v.Metric, Value: v.Value, Note: v.Note,
			RecordedAt: toMillis(v.RecordedAt), LastModified: modified}, nil
	case *ChatMessage:
		return &ChatPayload{Ref: ref, ChatType: v.ChatType, Role: v.Role, Content: v.Content,
			SentAt: toMillis(v.SentAt), LastModified: modified}, nil
	default:
		return nil, fmt.Errorf("unsupported record type %T", r)
	}
}

// EncodePayload serializes a payload for the outbox.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
