package schema

import (
	"fmt"
	"strings"
	"time"
)

// Collection names a logical group of records that syncs independently.
// Chat messages are split per chat type ("chat:coach", "chat:journal").
type Collection string

const (
	// Moods holds mood check-ins.
	Moods Collection = "moods"
	// Progress holds progress metrics.
	Progress Collection = "progress"

	// ChatPrefix prefixes every per-type chat collection.
	ChatPrefix = "chat:"
)

// Family identifies which record table and payload schema a collection uses.
type Family string

const (
	FamilyMoods    Family = "moods"
	FamilyProgress Family = "progress"
	FamilyChat     Family = "chat"
)

// ChatCollection returns the collection for a chat type.
func ChatCollection(chatType string) Collection {
	return Collection(ChatPrefix + chatType)
}

// Family returns the record family of the collection.
// Unknown collections return an empty family.
func (c Collection) Family() Family {
	switch {
	case c == Moods:
		return FamilyMoods
	case c == Progress:
		return FamilyProgress
	case strings.HasPrefix(string(c), ChatPrefix) && len(c) > len(ChatPrefix):
		return FamilyChat
	default:
		return ""
	}
}

// ChatType returns the chat type for chat collections, or "" otherwise.
func (c Collection) ChatType() string {
	if c.Family() != FamilyChat {
		return ""
	}
	return strings.TrimPrefix(string(c), ChatPrefix)
}

// Validate checks that the collection maps to a known family.
func (c Collection) Validate() error {
	if c.Family() == "" {
		return fmt.Errorf("unknown collection %q", string(c))
	}
	return nil
}

func (c Collection) String() string { return string(c) }

// ParseCollection parses and validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.TrimSpace(s))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// DefaultCollections returns the collections synced when none are configured.
func DefaultCollections() []Collection {
	return []Collection{Moods, Progress, ChatCollection("coach"), ChatCollection("journal")}
}

// OpKind is the kind of mutation an outbox operation carries.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpUpsert || k == OpDelete
}

// Operation is one queued, not yet acknowledged local mutation.
type Operation struct {
	ID         int64      `json:"op_id"`
	Collection Collection `json:"collection"`
	Kind       OpKind     `json:"kind"`
	Payload    []byte     `json:"payload"`
	Tries      int        `json:"tries"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DeadLetter is an operation that exhausted its retry budget.
type DeadLetter struct {
	ID         int64      `json:"id"`
	OpID       int64      `json:"op_id"`
	Collection Collection `json:"collection"`
	Kind       OpKind     `json:"kind"`
	Payload    []byte     `json:"payload"`
	Tries      int        `json:"tries"`
	CreatedAt  time.Time  `json:"created_at"`
	LastError  string     `json:"last_error"`
	FailedAt   time.Time  `json:"failed_at"`
}

// Operation returns the dead letter as a fresh outbox operation.
func (d *DeadLetter) Operation() Operation {
	return Operation{
		ID:         d.OpID,
		Collection: d.Collection,
		Kind:       d.Kind,
		Payload:    d.Payload,
		Tries:      d.Tries,
		CreatedAt:  d.CreatedAt,
	}
}
