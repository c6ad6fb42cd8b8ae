package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Remote field names. The remote service stores timestamps as epoch
// milliseconds under "timestamp" and never sees client-only fields
// such as localId or lastModified.
const (
	fieldUserID    = "userId"
	fieldScore     = "score"
	fieldNote      = "note"
	fieldTags      = "tags"
	fieldTimestamp = "timestamp"
	fieldName      = "name"
	fieldValue     = "value"
	fieldChatType  = "chatType"
	fieldRole      = "role"
	fieldContent   = "content"
)

// ToRemote translates an upsert payload into the document shape the remote
// create mutation expects.
func ToRemote(c Collection, p Payload) (map[string]any, error) {
	switch v := p.(type) {
	case *MoodPayload:
		if c.Family() != FamilyMoods {
			return nil, fmt.Errorf("mood payload in collection %q", c)
		}
		doc := map[string]any{
			fieldUserID:    v.User,
			fieldScore:     v.Mood,
			fieldTimestamp: v.RecordedAt,
		}
		if v.Note != "" {
			doc[fieldNote] = v.Note
		}
		if len(v.Tags) > 0 {
			doc[fieldTags] = v.Tags
		}
		return doc, nil

	case *ProgressPayload:
		if c.Family() != FamilyProgress {
			return nil, fmt.Errorf("progress payload in collection %q", c)
		}
		doc := map[string]any{
			fieldUserID:    v.User,
			fieldName:      v.Metric,
			fieldValue:     v.Value,
			fieldTimestamp: v.RecordedAt,
		}
		if v.Note != "" {
			doc[fieldNote] = v.Note
		}
		return doc, nil

	case *ChatPayload:
		if c.Family() != FamilyChat {
			return nil, fmt.Errorf("chat payload in collection %q", c)
		}
		return map[string]any{
			fieldUserID:    v.User,
			fieldChatType:  c.ChatType(),
			fieldRole:      v.Role,
			fieldContent:   v.Content,
			fieldTimestamp: v.SentAt,
		}, nil

	default:
		return nil, fmt.Errorf("payload %T has no remote create shape", p)
	}
}

// FromRemote converts a remote document into a local record for import.
// The returned record has no LocalID; the store assigns one on first insert.
func FromRemote(c Collection, rr RemoteRecord) (Record, error) {
	if rr.ID == "" {
		return nil, fmt.Errorf("remote record has no id")
	}
	f := rr.Fields
	meta := Meta{
		ServerID:        rr.ID,
		UserID:          stringField(f, fieldUserID),
		SyncStatus:      StatusSynced,
		ServerCreatedAt: rr.CreationTime,
	}
	ts := fromMillis(int64Field(f, fieldTimestamp))
	if ts.IsZero() {
		ts = fromMillis(rr.CreationTime)
	}

	switch c.Family() {
	case FamilyMoods:
		m := &MoodEntry{
			Meta:       meta,
			Mood:       int(int64Field(f, fieldScore)),
			Note:       stringField(f, fieldNote),
			Tags:       stringsField(f, fieldTags),
			RecordedAt: ts,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid remote mood %s: %w", rr.ID, err)
		}
		return m, nil

	case FamilyProgress:
		p := &ProgressEntry{
			Meta:       meta,
			Metric:     stringField(f, fieldName),
			Value:      floatField(f, fieldValue),
			Note:       stringField(f, fieldNote),
			RecordedAt: ts,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid remote progress %s: %w", rr.ID, err)
		}
		return p, nil

	case FamilyChat:
		chatType := stringField(f, fieldChatType)
		if chatType == "" {
			chatType = c.ChatType()
		}
		if chatType != c.ChatType() {
			return nil, fmt.Errorf("remote chat message %s has chat type %q, expected %q", rr.ID, chatType, c.ChatType())
		}
		m := &ChatMessage{
			Meta:     meta,
			ChatType: chatType,
			Role:     stringField(f, fieldRole),
			Content:  stringField(f, fieldContent),
			SentAt:   ts,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid remote chat message %s: %w", rr.ID, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown collection %q", c)
}

func stringField(f map[string]any, key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

func floatField(f map[string]any, key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		n, _ := v.Float64()
		return n
	}
	return 0
}

func int64Field(f map[string]any, key string) int64 {
	if v, ok := f[key].(int64); ok {
		return v
	}
	return int64(math.Round(floatField(f, key)))
}

func stringsField(f map[string]any, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Millis converts a time to epoch milliseconds, mapping the zero time to 0.
func Millis(t time.Time) int64 { return toMillis(t) }

// FromMillis converts epoch milliseconds to a UTC time, mapping 0 to the zero time.
func FromMillis(ms int64) time.Time { return fromMillis(ms) }
