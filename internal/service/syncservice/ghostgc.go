package syncservice

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/metrics"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// GhostGCOptions selects which attachments count as orphaned.
type GhostGCOptions struct {
	// IncludeUnreferencedWhenNoLiveTodo turns on fallback mode: when the
	// user has zero live todos, every attachment is orphaned even if no
	// ref was ever reported. The user-facing endpoint sets this; the
	// background sweeper does not.
	IncludeUnreferencedWhenNoLiveTodo bool
	// MinRefAgeMs excludes refs updated within the window, so GC does not
	// race an upload whose todo has not committed yet.
	MinRefAgeMs int64
}

// GhostGCStats reports one GC run.
type GhostGCStats struct {
	DeletedAttachments int64
	DeletedRecords     int64
	StoredBefore       int64
	StoredAfter        int64
}

// GCGhostFiles deletes attachments whose owning todo no longer exists
// as a live record, in both the committed and staged stores, then
// rebuilds stored_b64 from scratch. Idempotent: a second run deletes
// nothing and reports the same stored bytes.
func (s *Service) GCGhostFiles(ctx context.Context, userID int64, opts GhostGCOptions) (*GhostGCStats, error) {
	nowMs := syncx.NowMs()
	stats := &GhostGCStats{}

	err := db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		*stats = GhostGCStats{}

		err := tx.QueryRow(ctx,
			`SELECT stored_b64 FROM users WHERE id = $1`, userID).Scan(&stats.StoredBefore)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		orphans, err := orphanAttachmentIDs(ctx, tx, userID, opts, nowMs)
		if err != nil {
			return err
		}

		for _, attachmentID := range orphans {
			deleted, err := deleteAttachmentEverywhere(ctx, tx, userID, attachmentID)
			if err != nil {
				return err
			}
			if deleted > 0 {
				stats.DeletedAttachments++
				stats.DeletedRecords += deleted
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM attachment_refs WHERE user_id = $1 AND attachment_id = $2`,
				userID, attachmentID); err != nil {
				return err
			}
		}

		stats.StoredAfter, err = recomputeStoredB64(ctx, tx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			log.Error().Err(err).Int64("userId", userID).Msg("ghost gc failed")
		}
		return nil, err
	}

	metrics.GhostAttachmentsDeleted.Add(float64(stats.DeletedAttachments))
	return stats, nil
}

// orphanAttachmentIDs gathers candidates in a deterministic order. A ref
// is orphaned when no live todo row matches its todo_id; fallback mode
// adds every stored attachment id when the user has no live todos left.
func orphanAttachmentIDs(ctx context.Context, tx pgx.Tx, userID int64, opts GhostGCOptions, nowMs int64) ([]string, error) {
	seen := map[string]struct{}{}

	q := `SELECT r.attachment_id
	      FROM attachment_refs r
	      WHERE r.user_id = $1
	        AND NOT EXISTS (
	          SELECT 1 FROM records t
	          WHERE t.user_id = r.user_id AND t.type = $2
	            AND t.record_id = r.todo_id AND t.deleted_at_ms_utc IS NULL)`
	args := []any{userID, syncx.TypeTodo}
	if opts.MinRefAgeMs > 0 {
		q += ` AND r.updated_at_ms_utc <= $3`
		args = append(args, nowMs-opts.MinRefAgeMs)
	}
	if err := collectIDs(ctx, tx, q, args, seen); err != nil {
		return nil, err
	}

	if opts.IncludeUnreferencedWhenNoLiveTodo {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM records
			 WHERE user_id = $1 AND type = $2 AND deleted_at_ms_utc IS NULL
			 LIMIT 1`, userID, syncx.TypeTodo).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			if err := collectIDs(ctx, tx,
				`SELECT record_id FROM records WHERE user_id = $1 AND type = $2
				 UNION
				 SELECT record_id FROM staged_records WHERE user_id = $1 AND type = $2`,
				[]any{userID, syncx.TypeTodoAttachment}, seen); err != nil {
				return nil, err
			}
			// Chunks can outlive their meta; derive the prefix so they
			// still get collected.
			chunkRows, err := tx.Query(ctx,
				`SELECT record_id FROM records WHERE user_id = $1 AND type = $2
				 UNION
				 SELECT record_id FROM staged_records WHERE user_id = $1 AND type = $2`,
				userID, syncx.TypeTodoAttachmentChunk)
			if err != nil {
				return nil, err
			}
			for chunkRows.Next() {
				var recordID string
				if err := chunkRows.Scan(&recordID); err != nil {
					chunkRows.Close()
					return nil, err
				}
				if id := syncx.AttachmentID(syncx.TypeTodoAttachmentChunk, recordID); id != "" {
					seen[id] = struct{}{}
				}
			}
			chunkRows.Close()
			if err := chunkRows.Err(); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func collectIDs(ctx context.Context, tx pgx.Tx, q string, args []any, into map[string]struct{}) error {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if id != "" {
			into[id] = struct{}{}
		}
	}
	return rows.Err()
}

// deleteAttachmentEverywhere removes the meta and chunk rows of one
// attachment from both stores, returning the number of deleted rows.
func deleteAttachmentEverywhere(ctx context.Context, tx pgx.Tx, userID int64, attachmentID string) (int64, error) {
	pattern := syncx.ChunkLikePattern(attachmentID)
	var total int64
	for _, stmt := range []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM records WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			[]any{userID, syncx.TypeTodoAttachment, attachmentID}},
		{`DELETE FROM records WHERE user_id = $1 AND type = $2 AND record_id LIKE $3 ESCAPE '\'`,
			[]any{userID, syncx.TypeTodoAttachmentChunk, pattern}},
		{`DELETE FROM staged_records WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			[]any{userID, syncx.TypeTodoAttachment, attachmentID}},
		{`DELETE FROM staged_records WHERE user_id = $1 AND type = $2 AND record_id LIKE $3 ESCAPE '\'`,
			[]any{userID, syncx.TypeTodoAttachmentChunk, pattern}},
	} {
		ct, err := tx.Exec(ctx, stmt.sql, stmt.args...)
		if err != nil {
			return 0, err
		}
		total += ct.RowsAffected()
	}
	return total, nil
}

// SelectUsersWithOrphanRefs returns up to maxUsers user ids that hold at
// least one orphaned attachment_ref older than minRefAgeMs. The batched
// background GC uses this to pick victims without scanning every user.
func (s *Service) SelectUsersWithOrphanRefs(ctx context.Context, minRefAgeMs, maxUsers int64) ([]int64, error) {
	if maxUsers < 1 {
		maxUsers = 1
	}
	if maxUsers > 10000 {
		maxUsers = 10000
	}
	cutoff := syncx.NowMs() - minRefAgeMs

	rows, err := s.DB.Query(ctx,
		`SELECT DISTINCT r.user_id
		 FROM attachment_refs r
		 WHERE r.updated_at_ms_utc <= $1
		   AND NOT EXISTS (
		     SELECT 1 FROM records t
		     WHERE t.user_id = r.user_id AND t.type = $2
		       AND t.record_id = r.todo_id AND t.deleted_at_ms_utc IS NULL)
		 ORDER BY r.user_id
		 LIMIT $3`, cutoff, syncx.TypeTodo, maxUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
