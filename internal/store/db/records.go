package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// tableFor returns the record table backing a collection.
func tableFor(c schema.Collection) (string, error) {
	switch c.Family() {
	case schema.FamilyMoods:
		return "mood_entries", nil
	case schema.FamilyProgress:
		return "progress_entries", nil
	case schema.FamilyChat:
		return "chat_messages", nil
	}
	return "", fmt.Errorf("unknown collection %q", c)
}

// scopeFor returns the extra WHERE clause that narrows a table to one collection.
func scopeFor(c schema.Collection) (string, []any) {
	if c.Family() == schema.FamilyChat {
		return " AND chat_type = ?", []any{c.ChatType()}
	}
	return "", nil
}

// SaveRecord is the local write path: it stores rec as pending and queues an
// upsert in the same transaction. A new LocalID is generated when empty.
//
// Editing a record that was already synced also queues a delete of the old
// remote copy, since the remote service only supports create and delete.
// Returns the op id of the queued upsert.
func (db *DB) SaveRecord(ctx context.Context, rec schema.Record) (int64, error) {
	meta := rec.Metadata()
	if meta.LocalID == "" {
		meta.LocalID = uuid.NewString()
	}
	if err := validateRecord(rec); err != nil {
		return 0, fmt.Errorf("invalid record: %w", err)
	}
	c := schema.CollectionOf(rec)
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}

	meta.SyncStatus = schema.StatusPending
	meta.LastModified = db.now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevServerID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT server_id FROM `+table+` WHERE local_id = ?`, meta.LocalID).Scan(&prevServerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read record %s: %w", meta.LocalID, err)
	}
	if prevServerID.Valid {
		del, err := schema.EncodePayload(&schema.DeletePayload{
			Ref:      schema.Ref{Local: meta.LocalID, User: meta.UserID},
			ServerID: prevServerID.String,
		})
		if err != nil {
			return 0, err
		}
		if _, err := db.appendOutbox(ctx, tx, c, schema.OpDelete, del); err != nil {
			return 0, err
		}
	}
	meta.ServerID = ""
	meta.LastSynced = nil

	if err := upsertLocal(ctx, tx, rec); err != nil {
		return 0, err
	}

	payload, err := schema.PayloadFor(rec)
	if err != nil {
		return 0, err
	}
	raw, err := schema.EncodePayload(payload)
	if err != nil {
		return 0, err
	}
	opID, err := db.appendOutbox(ctx, tx, c, schema.OpUpsert, raw)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return opID, nil
}

// DeleteRecord removes a record locally. If the record was synced, a delete
// is queued for the remote copy and its op id returned. If it was never
// synced, its pending upserts are cancelled instead and 0 is returned.
func (db *DB) DeleteRecord(ctx context.Context, c schema.Collection, localID string) (int64, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		serverID sql.NullString
		userID   string
	)
	err = tx.QueryRowContext(ctx, `SELECT server_id, user_id FROM `+table+` WHERE local_id = ?`, localID).Scan(&serverID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read record %s: %w", localID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE local_id = ?`, localID); err != nil {
		return 0, fmt.Errorf("failed to delete record %s: %w", localID, err)
	}

	var opID int64
	if serverID.Valid {
		raw, err := schema.EncodePayload(&schema.DeletePayload{
			Ref:      schema.Ref{Local: localID, User: userID},
			ServerID: serverID.String,
		})
		if err != nil {
			return 0, err
		}
		if opID, err = db.appendOutbox(ctx, tx, c, schema.OpDelete, raw); err != nil {
			return 0, err
		}
	} else if _, err := cancelPendingUpserts(ctx, tx, c, localID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return opID, nil
}

// AcknowledgeSynced records the server id assigned to a pushed record and
// marks it synced. found is false when the local record no longer exists.
func (db *DB) AcknowledgeSynced(ctx context.Context, c schema.Collection, localID, serverID string, syncedAt time.Time) (found bool, err error) {
	table, err := tableFor(c)
	if err != nil {
		return false, err
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE `+table+` SET server_id = ?, sync_status = ?, last_synced = ? WHERE local_id = ?`,
		serverID, string(schema.StatusSynced), syncedAt.UnixMilli(), localID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge %s/%s: %w", c, localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acknowledge result: %w", err)
	}
	return n > 0, nil
}

// MarkSyncError flags a local record whose queued upsert was dead-lettered.
func (db *DB) MarkSyncError(ctx context.Context, c schema.Collection, localID string) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = ? WHERE local_id = ? AND server_id IS NULL`,
		string(schema.StatusError), localID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s as error: %w", c, localID, err)
	}
	return nil
}

// ImportRecords upserts remote records keyed by server id and returns how
// many rows changed. Re-importing an identical record changes nothing.
func (db *DB) ImportRecords(ctx context.Context, c schema.Collection, records []schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if _, err := tableFor(c); err != nil {
		return 0, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	syncedAt := db.nowMillis()
	changed := 0
	for _, rec := range records {
		if got := schema.CollectionOf(rec); got != c {
			return 0, fmt.Errorf("record for %s imported into %s", got, c)
		}
		if rec.Metadata().ServerID == "" {
			return 0, fmt.Errorf("imported record has no server id")
		}
		n, err := importOne(ctx, tx, rec, syncedAt)
		if err != nil {
			return 0, err
		}
		changed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return changed, nil
}

// CountRecords returns the number of local records in a collection.
func (db *DB) CountRecords(ctx context.Context, c schema.Collection) (int, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}
	scope, args := scopeFor(c)

	var count int
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE 1=1`+scope, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records in %s: %w", c, err)
	}
	return count, nil
}

// GetRecord loads one record by local id.
func (db *DB) GetRecord(ctx context.Context, c schema.Collection, localID string) (schema.Record, error) {
	return db.getRecord(ctx, c, "local_id", localID)
}

// GetRecordByServerID loads one record by the id the remote service assigned.
func (db *DB) GetRecordByServerID(ctx context.Context, c schema.Collection, serverID string) (schema.Record, error) {
	return db.getRecord(ctx, c, "server_id", serverID)
}

func (db *DB) getRecord(ctx context.Context, c schema.Collection, column, value string) (schema.Record, error) {
	recs, err := db.queryRecords(ctx, c, " AND "+column+" = ?", []any{value}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s %s=%s: %w", c, column, value, ErrNotFound)
	}
	return recs[0], nil
}

// ListRecords returns the most recently modified records of a collection.
func (db *DB) ListRecords(ctx context.Context, c schema.Collection, limit int) ([]schema.Record, error) {
	return db.queryRecords(ctx, c, "", nil, limit)
}

func (db *DB) queryRecords(ctx context.Context, c schema.Collection, where string, whereArgs []any, limit int) ([]schema.Record, error) {
	table, err := tableFor(c)
	if err != nil {
		return nil, err
	}
	scope, args := scopeFor(c)
	args = append(args, whereArgs...)

	var columns string
	switch c.Family() {
	case schema.FamilyMoods:
		columns = "mood, note, tags, recorded_at"
	case schema.FamilyProgress:
		columns = "metric, value, note, recorded_at"
	case schema.FamilyChat:
		columns = "chat_type, role, content, sent_at"
	}

	query := `SELECT local_id, server_id, user_id, sync_status, last_modified, last_synced, server_created_at, ` +
		columns + ` FROM ` + table + ` WHERE 1=1` + scope + where + ` ORDER BY last_modified DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var (
			meta            schema.Meta
			serverID        sql.NullString
			status          string
			lastModified    int64
			lastSynced      sql.NullInt64
			serverCreatedAt sql.NullInt64
		)
		common := []any{&meta.LocalID, &serverID, &meta.UserID, &status, &lastModified, &lastSynced, &serverCreatedAt}

		var rec schema.Record
		switch c.Family() {
		case schema.FamilyMoods:
			var (
				m        schema.MoodEntry
				tagsJSON string
				at       int64
			)
			if err := rows.Scan(append(common, &m.Mood, &m.Note, &tagsJSON, &at)...); err != nil {
				return nil, fmt.Errorf("failed to scan mood entry: %w", err)
			}
			if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
				return nil, fmt.Errorf("failed to parse tags for %s: %w", meta.LocalID, err)
			}
			m.RecordedAt = schema.FromMillis(at)
			rec = &m
		case schema.FamilyProgress:
			var (
				p  schema.ProgressEntry
				at int64
			)
			if err := rows.Scan(append(common, &p.Metric, &p.Value, &p.Note, &at)...); err != nil {
				return nil, fmt.Errorf("failed to scan progress entry: %w", err)
			}
			p.RecordedAt = schema.FromMillis(at)
			rec = &p
		case schema.FamilyChat:
			var (
				m  schema.ChatMessage
				at int64
			)
			if err := rows.Scan(append(common, &m.ChatType, &m.Role, &m.Content, &at)...); err != nil {
				return nil, fmt.Errorf("failed to scan chat message: %w", err)
			}
			m.SentAt = schema.FromMillis(at)
			rec = &m
		}

		meta.ServerID = serverID.String
		meta.SyncStatus = schema.SyncStatus(status)
		meta.LastModified = schema.FromMillis(lastModified)
		meta.LastSynced = millisPtr(lastSynced)
		meta.ServerCreatedAt = serverCreatedAt.Int64
		*rec.Metadata() = meta
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return out, nil
}

func validateRecord(rec schema.Record) error {
	switch v := rec.(type) {
	case *schema.MoodEntry:
		return v.Validate()
	case *schema.ProgressEntry:
		return v.Validate()
	case *schema.ChatMessage:
		return v.Validate()
	}
	return fmt.Errorf("unsupported record type %T", rec)
}

// upsertLocal writes a record from the local write path.
func upsertLocal(ctx context.Context, tx *sql.Tx, rec schema.Record) error {
	meta := rec.Metadata()
	modified := meta.LastModified.UnixMilli()

	var err error
	switch v := rec.(type) {
	case *schema.MoodEntry:
		tags, merr := json.Marshal(nonNilTags(v.Tags))
		if merr != nil {
			return fmt.Errorf("failed to marshal tags: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mood_entries (local_id, server_id, user_id, mood, note, tags, recorded_at, sync_status, last_modified)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				server_id = NULL,
				user_id = excluded.user_id,
				mood = excluded.mood,
				note = excluded.note,
				tags = excluded.tags,
				recorded_at = excluded.recorded_at,
				sync_status = excluded.sync_status,
				last_modified = excluded.last_modified,
				last_synced = NULL`,
			meta.LocalID, meta.UserID, v.Mood, v.Note, string(tags), v.RecordedAt.UnixMilli(),
			string(meta.SyncStatus), modified)
	case *schema.ProgressEntry:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO progress_entries (local_id, server_id, user_id, metric, value, note, recorded_at, sync_status, last_modified)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				server_id = NULL,
				user_id = excluded.user_id,
				metric = excluded.metric,
				value = excluded.value,
				note = excluded.note,
				recorded_at = excluded.recorded_at,
				sync_status = excluded.sync_status,
				last_modified = excluded.last_modified,
				last_synced = NULL`,
			meta.LocalID, meta.UserID, v.Metric, v.Value, v.Note, v.RecordedAt.UnixMilli(),
			string(meta.SyncStatus), modified)
	case *schema.ChatMessage:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (local_id, server_id, user_id, chat_type, role, content, sent_at, sync_status, last_modified)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(local_id) DO UPDATE SET
				server_id = NULL,
				user_id = excluded.user_id,
				chat_type = excluded.chat_type,
				role = excluded.role,
				content = excluded.content,
				sent_at = excluded.sent_at,
				sync_status = excluded.sync_status,
				last_modified = excluded.last_modified,
				last_synced = NULL`,
			meta.LocalID, meta.UserID, v.ChatType, v.Role, v.Content, v.SentAt.UnixMilli(),
			string(meta.SyncStatus), modified)
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", meta.LocalID, err)
	}
	return nil
}

// importOne upserts a pulled record. The conflict target is server_id, and
// the update only fires when a column actually differs.
func importOne(ctx context.Context, tx *sql.Tx, rec schema.Record, syncedAt int64) (int, error) {
	meta := rec.Metadata()
	localID := uuid.NewString()

	var (
		res sql.Result
		err error
	)
	switch v := rec.(type) {
	case *schema.MoodEntry:
		tags, merr := json.Marshal(nonNilTags(v.Tags))
		if merr != nil {
			return 0, fmt.Errorf("failed to marshal tags: %w", merr)
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO mood_entries (local_id, server_id, user_id, mood, note, tags, recorded_at,
				server_created_at, sync_status, last_modified, last_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				user_id = excluded.user_id,
				mood = excluded.mood,
				note = excluded.note,
				tags = excluded.tags,
				recorded_at = excluded.recorded_at,
				server_created_at = excluded.server_created_at,
				sync_status = 'synced',
				last_synced = excluded.last_synced
			WHERE mood_entries.user_id IS NOT excluded.user_id
			   OR mood_entries.mood IS NOT excluded.mood
			   OR mood_entries.note IS NOT excluded.note
			   OR mood_entries.tags IS NOT excluded.tags
			   OR mood_entries.recorded_at IS NOT excluded.recorded_at
			   OR mood_entries.server_created_at IS NOT excluded.server_created_at
			   OR mood_entries.sync_status != 'synced'`,
			localID, meta.ServerID, meta.UserID, v.Mood, v.Note, string(tags), v.RecordedAt.UnixMilli(),
			meta.ServerCreatedAt, syncedAt, syncedAt)
	case *schema.ProgressEntry:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO progress_entries (local_id, server_id, user_id, metric, value, note, recorded_at,
				server_created_at, sync_status, last_modified, last_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				user_id = excluded.user_id,
				metric = excluded.metric,
				value = excluded.value,
				note = excluded.note,
				recorded_at = excluded.recorded_at,
				server_created_at = excluded.server_created_at,
				sync_status = 'synced',
				last_synced = excluded.last_synced
			WHERE progress_entries.user_id IS NOT excluded.user_id
			   OR progress_entries.metric IS NOT excluded.metric
			   OR progress_entries.value IS NOT excluded.value
			   OR progress_entries.note IS NOT excluded.note
			   OR progress_entries.recorded_at IS NOT excluded.recorded_at
			   OR progress_entries.server_created_at IS NOT excluded.server_created_at
			   OR progress_entries.sync_status != 'synced'`,
			localID, meta.ServerID, meta.UserID, v.Metric, v.Value, v.Note, v.RecordedAt.UnixMilli(),
			meta.ServerCreatedAt, syncedAt, syncedAt)
	case *schema.ChatMessage:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (local_id, server_id, user_id, chat_type, role, content, sent_at,
				server_created_at, sync_status, last_modified, last_synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)
			ON CONFLICT(server_id) DO UPDATE SET
				user_id = excluded.user_id,
				chat_type = excluded.chat_type,
				role = excluded.role,
				content = excluded.content,
				sent_at = excluded.sent_at,
				server_created_at = excluded.server_created_at,
				sync_status = 'synced',
				last_synced = excluded.last_synced
			WHERE chat_messages.user_id IS NOT excluded.user_id
			   OR chat_messages.chat_type IS NOT excluded.chat_type
			   OR chat_messages.role IS NOT excluded.role
			   OR chat_messages.content IS NOT excluded.content
			   OR chat_messages.sent_at IS NOT excluded.sent_at
			   OR chat_messages.server_created_at IS NOT excluded.server_created_at
			   OR chat_messages.sync_status != 'synced'`,
			localID, meta.ServerID, meta.UserID, v.ChatType, v.Role, v.Content, v.SentAt.UnixMilli(),
			meta.ServerCreatedAt, syncedAt, syncedAt)
	default:
		return 0, fmt.Errorf("unsupported record type %T", rec)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to import %s: %w", meta.ServerID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
