// Package schema defines the records, outbox operations and payload
// encodings shared by the local store, the sync pipelines and the remote
// client.
//
// # Collections
//
// Records sync per collection. Each collection belongs to a family that
// fixes its local table and payload schema:
//
//	moods          -> mood_entries,     MoodPayload
//	progress       -> progress_entries, ProgressPayload
//	chat:<type>    -> chat_messages,    ChatPayload
//
// # Outbox payloads
//
// Outbox rows store JSON payloads. They are decoded at dequeue time with
// DecodePayload, which picks the concrete type from the collection and
// operation kind:
//
//	{"localId":"7f0c...","userId":"u1","mood":4,"recordedAt":1760000000000}
//	{"localId":"7f0c...","userId":"u1","serverId":"m1"}   // delete
//
// A payload that cannot be decoded is reported with ErrPayloadDecode and
// is handled like any other failed push attempt.
//
// # Remote shape
//
// ToRemote renames fields for the remote service (mood -> score,
// recordedAt -> timestamp, metric -> name) and drops client-only fields.
// FromRemote performs the reverse mapping for pulled documents.
package schema
