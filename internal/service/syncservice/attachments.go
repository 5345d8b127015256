package syncservice

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// MaxAttachmentRefs caps a single refs upsert call.
const MaxAttachmentRefs = 5000

// deleteStagedAttachment removes the staged meta and every staged chunk
// of an attachment, returning the freed bytes.
func deleteStagedAttachment(ctx context.Context, tx pgx.Tx, userID int64, attachmentID string) (int64, error) {
	pattern := syncx.ChunkLikePattern(attachmentID)

	var freed int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(length(nonce) + length(ciphertext)), 0)
		 FROM staged_records
		 WHERE user_id = $1
		   AND ((type = $2 AND record_id = $3)
		     OR (type = $4 AND record_id LIKE $5 ESCAPE '\'))`,
		userID, syncx.TypeTodoAttachment, attachmentID,
		syncx.TypeTodoAttachmentChunk, pattern).Scan(&freed)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM staged_records
		 WHERE user_id = $1
		   AND ((type = $2 AND record_id = $3)
		     OR (type = $4 AND record_id LIKE $5 ESCAPE '\'))`,
		userID, syncx.TypeTodoAttachment, attachmentID,
		syncx.TypeTodoAttachmentChunk, pattern)
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// deleteStagedExact removes a single staged row, returning freed bytes.
func deleteStagedExact(ctx context.Context, tx pgx.Tx, userID int64, recordType, recordID string) (int64, error) {
	var freed int64
	err := tx.QueryRow(ctx,
		`DELETE FROM staged_records
		 WHERE user_id = $1 AND type = $2 AND record_id = $3
		 RETURNING length(nonce) + length(ciphertext)`,
		userID, recordType, recordID).Scan(&freed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// purgeStagedAttachment drops all staged rows of an attachment without
// byte accounting; callers that use it always recompute afterwards.
func purgeStagedAttachment(ctx context.Context, tx pgx.Tx, userID int64, attachmentID string) error {
	_, err := tx.Exec(ctx,
		`DELETE FROM staged_records
		 WHERE user_id = $1
		   AND ((type = $2 AND record_id = $3)
		     OR (type = $4 AND record_id LIKE $5 ESCAPE '\'))`,
		userID, syncx.TypeTodoAttachment, attachmentID,
		syncx.TypeTodoAttachmentChunk, syncx.ChunkLikePattern(attachmentID))
	return err
}

// compactCommittedChunks rewrites every committed chunk of a tombstoned
// attachment to an empty-payload tombstone at a fresh server_seq, so
// pulling clients drop the ciphertext and storage can be reclaimed.
// Chunks that are already zero-payload tombstones are left alone.
//
// Only chunks already in the committed store are compacted; staged-only
// chunks were purged outright and never get a tombstone, which keeps
// chunks from appearing without their meta.
func compactCommittedChunks(ctx context.Context, tx pgx.Tx, userID int64, attachmentID string, deletedAtMs, nowMs int64) error {
	rows, err := tx.Query(ctx,
		`SELECT record_id, hlc_wall_ms_utc
		 FROM records
		 WHERE user_id = $1 AND type = $2 AND record_id LIKE $3 ESCAPE '\'
		   AND NOT (deleted_at_ms_utc IS NOT NULL AND nonce = '' AND ciphertext = '')`,
		userID, syncx.TypeTodoAttachmentChunk, syncx.ChunkLikePattern(attachmentID))
	if err != nil {
		return err
	}

	type chunk struct {
		recordID string
		wallMs   int64
	}
	var chunks []chunk
	for rows.Next() {
		var c chunk
		if err := rows.Scan(&c.recordID, &c.wallMs); err != nil {
			rows.Close()
			return err
		}
		chunks = append(chunks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range chunks {
		seq, err := allocServerSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		hlc := syncx.ServerTombstoneHLC(c.wallMs, nowMs)
		if _, err := tx.Exec(ctx,
			`UPDATE records
			 SET nonce = '', ciphertext = '',
			     deleted_at_ms_utc = $4,
			     hlc_wall_ms_utc = $5, hlc_counter = $6, hlc_device_id = $7,
			     server_seq = $8, updated_at_ms_utc = $9
			 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			userID, syncx.TypeTodoAttachmentChunk, c.recordID,
			deletedAtMs, hlc.WallTimeMsUtc, hlc.Counter, hlc.DeviceID,
			seq, nowMs); err != nil {
			return err
		}
	}
	return nil
}

// stagedRow is one staged record during commit promotion.
type stagedRow struct {
	env Envelope
}

// commitStagedAttachment promotes the staged meta and chunks of one
// attachment into the committed log, meta first, then chunks in numeric
// index order, so a pull prefix never shows a chunk before its meta.
// Staged rows whose HLC does not beat the committed counterpart are
// skipped. All staged rows are deleted at the end either way, which
// makes a retried batch idempotent. Returns the highest allocated
// server_seq (0 when everything was skipped).
func commitStagedAttachment(ctx context.Context, tx pgx.Tx, userID int64, attachmentID string, nowMs int64) (int64, error) {
	pattern := syncx.ChunkLikePattern(attachmentID)

	rows, err := tx.Query(ctx,
		`SELECT type, record_id,
		        hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		        deleted_at_ms_utc, schema_version, dek_id,
		        algo, nonce, ciphertext
		 FROM staged_records
		 WHERE user_id = $1
		   AND ((type = $2 AND record_id = $3)
		     OR (type = $4 AND record_id LIKE $5 ESCAPE '\'))`,
		userID, syncx.TypeTodoAttachment, attachmentID,
		syncx.TypeTodoAttachmentChunk, pattern)
	if err != nil {
		return 0, err
	}

	var staged []stagedRow
	for rows.Next() {
		var r stagedRow
		if err := rows.Scan(&r.env.Type, &r.env.RecordID,
			&r.env.HLC.WallTimeMsUtc, &r.env.HLC.Counter, &r.env.HLC.DeviceID,
			&r.env.DeletedAtMsUtc, &r.env.SchemaVersion, &r.env.DekID,
			&r.env.PayloadAlgo, &r.env.Nonce, &r.env.Ciphertext); err != nil {
			rows.Close()
			return 0, err
		}
		staged = append(staged, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sort.SliceStable(staged, func(i, j int) bool {
		a, b := &staged[i].env, &staged[j].env
		aMeta := a.Type == syncx.TypeTodoAttachment
		bMeta := b.Type == syncx.TypeTodoAttachment
		if aMeta != bMeta {
			return aMeta
		}
		ai, bi := syncx.ChunkIndex(a.RecordID), syncx.ChunkIndex(b.RecordID)
		if ai != bi {
			return ai < bi
		}
		return a.RecordID < b.RecordID
	})

	var maxSeq int64
	for i := range staged {
		env := &staged[i].env

		var existing syncx.HLC
		err := tx.QueryRow(ctx,
			`SELECT hlc_wall_ms_utc, hlc_counter, hlc_device_id
			 FROM records
			 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			userID, env.Type, env.RecordID).Scan(&existing.WallTimeMsUtc, &existing.Counter, &existing.DeviceID)
		if err == nil {
			if !env.HLC.Newer(existing) {
				continue
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}

		seq, err := allocServerSeq(ctx, tx, userID)
		if err != nil {
			return 0, err
		}
		if err := upsertCommitted(ctx, tx, userID, env, seq, nowMs); err != nil {
			return 0, err
		}
		maxSeq = seq
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM staged_records
		 WHERE user_id = $1
		   AND ((type = $2 AND record_id = $3)
		     OR (type = $4 AND record_id LIKE $5 ESCAPE '\'))`,
		userID, syncx.TypeTodoAttachment, attachmentID,
		syncx.TypeTodoAttachmentChunk, pattern); err != nil {
		return 0, err
	}
	return maxSeq, nil
}

// UpsertAttachmentRefs records client-reported attachment ownership.
// Refs are the authoritative input for ghost GC; ids are trimmed, and
// pairs that are empty after trimming are skipped.
func (s *Service) UpsertAttachmentRefs(ctx context.Context, userID int64, refs []AttachmentRef) error {
	nowMs := syncx.NowMs()
	return db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		for _, ref := range refs {
			attachmentID := strings.TrimSpace(ref.AttachmentID)
			todoID := strings.TrimSpace(ref.TodoID)
			if attachmentID == "" || todoID == "" {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO attachment_refs (user_id, attachment_id, todo_id, updated_at_ms_utc)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (user_id, attachment_id) DO UPDATE SET
				   todo_id = excluded.todo_id,
				   updated_at_ms_utc = excluded.updated_at_ms_utc`,
				userID, attachmentID, todoID, nowMs); err != nil {
				return err
			}
		}
		return nil
	})
}
