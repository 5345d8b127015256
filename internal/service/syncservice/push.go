package syncservice

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/metrics"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// priorRow is the version of a record the push has to beat.
type priorRow struct {
	HLC  syncx.HLC
	Size int64
}

// batchState carries the running tallies of one push transaction.
type batchState struct {
	res         PushResult
	totalB64    int64
	recordCount int64 // committed + staged; only tracked when a cap is set
	// storedDirty: the running total diverged from the users row.
	// needsRecompute: the running total itself can no longer be trusted
	// (compaction or commit promotion rewrote rows wholesale).
	storedDirty    bool
	needsRecompute bool
}

func (b *batchState) accept(env *Envelope, serverSeq int64) {
	b.res.Accepted = append(b.res.Accepted, PushAccepted{Type: env.Type, RecordID: env.RecordID, ServerSeq: serverSeq})
	metrics.PushAccepted.Inc()
}

func (b *batchState) reject(env *Envelope, reason string) {
	b.res.Rejected = append(b.res.Rejected, PushRejected{Type: env.Type, RecordID: env.RecordID, Reason: reason})
	metrics.PushRejected.WithLabelValues(reason).Inc()
}

// Push runs one push batch inside a single serializable transaction.
// Envelope-level failures land in the rejected list; anything returned
// as an error aborts the whole batch with nothing applied.
func (s *Service) Push(ctx context.Context, userID int64, envelopes []Envelope) (*PushResult, EffectiveQuota, error) {
	if len(envelopes) > s.Cfg.MaxPushRecords {
		return nil, EffectiveQuota{}, ErrBatchTooLarge
	}

	var result PushResult
	var quota EffectiveQuota

	err := db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		nowMs := syncx.NowMs()

		u, err := loadBillingUser(ctx, tx, userID, nowMs)
		if err != nil {
			return err
		}
		if u.BannedAtMsUtc != nil {
			return ErrBanned
		}
		quota = s.quotaFor(u, nowMs)
		if overOutbound(quota, u) {
			return ErrOverQuota
		}

		// Fresh accumulators per attempt: the closure reruns on
		// serialization retry.
		b := &batchState{
			res:      PushResult{Accepted: []PushAccepted{}, Rejected: []PushRejected{}},
			totalB64: u.StoredB64,
		}
		if s.Cfg.MaxRecordsPerUser > 0 {
			if err := tx.QueryRow(ctx,
				`SELECT (SELECT COUNT(*) FROM records WHERE user_id = $1)
				      + (SELECT COUNT(*) FROM staged_records WHERE user_id = $1)`,
				userID).Scan(&b.recordCount); err != nil {
				return err
			}
		}

		// Commit markers run after every other envelope in the batch so
		// a meta+chunks+commit batch works in one round trip.
		var markers []Envelope

		for i := range envelopes {
			env := &envelopes[i]
			if len(env.Nonce) > s.Cfg.MaxRecordB64Len || len(env.Ciphertext) > s.Cfg.MaxRecordB64Len {
				b.reject(env, ReasonRecordTooLarge)
				continue
			}
			if env.Type == syncx.TypeTodoAttachmentCommit {
				markers = append(markers, *env)
				continue
			}
			if err := s.pushOne(ctx, tx, userID, env, quota, b, nowMs); err != nil {
				return err
			}
		}

		for i := range markers {
			if err := s.processCommitMarker(ctx, tx, userID, &markers[i], b, nowMs); err != nil {
				return err
			}
		}

		if b.needsRecompute {
			if _, err := recomputeStoredB64(ctx, tx, userID); err != nil {
				return err
			}
		} else if b.storedDirty {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET stored_b64 = $2 WHERE id = $1`, userID, b.totalB64); err != nil {
				return err
			}
		}

		result = b.res
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrBanned) && !errors.Is(err, ErrOverQuota) && !errors.Is(err, ErrBatchTooLarge) {
			log.Error().Err(err).Int64("userId", userID).Msg("push batch failed")
		}
		return nil, EffectiveQuota{}, err
	}
	return &result, quota, nil
}

// pushOne applies admission to a single regular or stageable
// envelope: resurrection guard, HLC gate, pre-commit tombstone shortcut,
// quota check, then routing to the staged or committed store.
func (s *Service) pushOne(ctx context.Context, tx pgx.Tx, userID int64, env *Envelope, quota EffectiveQuota, b *batchState, nowMs int64) error {
	stageable := syncx.Stageable(env.Type)

	// A tombstoned attachment must stay dead: refuse payload writes for
	// it (meta or chunk) until GC removes the tombstone row entirely.
	if stageable && env.DeletedAtMsUtc == nil {
		attachmentID := syncx.AttachmentID(env.Type, env.RecordID)
		var metaDeletedAt *int64
		err := tx.QueryRow(ctx,
			`SELECT deleted_at_ms_utc FROM records
			 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			userID, syncx.TypeTodoAttachment, attachmentID).Scan(&metaDeletedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil && metaDeletedAt != nil {
			b.reject(env, ReasonAttachmentDeleted)
			return nil
		}
	}

	prior, committedPrior, err := lookupPrior(ctx, tx, userID, env.Type, env.RecordID, stageable)
	if err != nil {
		return err
	}

	if prior != nil && !env.HLC.Newer(prior.HLC) {
		b.reject(env, ReasonOlderHLC)
		return nil
	}

	// Deleting something that never committed is a pure staging affair;
	// other devices never saw it, so nothing is written to the log.
	if stageable && env.DeletedAtMsUtc != nil && !committedPrior {
		var freed int64
		if env.Type == syncx.TypeTodoAttachment {
			freed, err = deleteStagedAttachment(ctx, tx, userID, env.RecordID)
		} else {
			freed, err = deleteStagedExact(ctx, tx, userID, env.Type, env.RecordID)
		}
		if err != nil {
			return err
		}
		b.totalB64 -= freed
		b.storedDirty = true
		if s.Cfg.MaxRecordsPerUser > 0 && prior != nil {
			b.recordCount--
		}
		b.accept(env, 0)
		return nil
	}

	newSize := env.size()
	var existingSize int64
	if prior != nil {
		existingSize = prior.Size
	}
	delta := newSize - existingSize

	if s.Cfg.MaxRecordsPerUser > 0 {
		newCount := b.recordCount
		if prior == nil {
			newCount++
		}
		if newCount > s.Cfg.MaxRecordsPerUser {
			b.reject(env, ReasonQuotaExceeded)
			return nil
		}
	}
	// Growth is gated; shrinks and deletes always go through so users
	// can dig themselves out of an over-quota state.
	if quota.AllowedStorageB64 != nil && b.totalB64+delta > *quota.AllowedStorageB64 && delta > 0 {
		b.reject(env, ReasonQuotaExceeded)
		return nil
	}

	if stageable && !committedPrior {
		if err := upsertStaged(ctx, tx, userID, env, nowMs); err != nil {
			return err
		}
		b.accept(env, 0)
	} else {
		seq, err := allocServerSeq(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := upsertCommitted(ctx, tx, userID, env, seq, nowMs); err != nil {
			return err
		}
		b.accept(env, seq)

		if env.Type == syncx.TypeTodoAttachment && env.DeletedAtMsUtc != nil {
			if err := purgeStagedAttachment(ctx, tx, userID, env.RecordID); err != nil {
				return err
			}
			if err := compactCommittedChunks(ctx, tx, userID, env.RecordID, *env.DeletedAtMsUtc, nowMs); err != nil {
				return err
			}
			b.needsRecompute = true
		}
	}

	b.totalB64 += delta
	b.storedDirty = true
	if prior == nil {
		b.recordCount++
	}
	return nil
}

// processCommitMarker resolves one todo_attachment_commit envelope.
// Markers themselves are never stored.
func (s *Service) processCommitMarker(ctx context.Context, tx pgx.Tx, userID int64, env *Envelope, b *batchState, nowMs int64) error {
	// A tombstoned marker is a client-side upload cancellation.
	if env.DeletedAtMsUtc != nil {
		b.accept(env, 0)
		return nil
	}

	attachmentID := env.RecordID

	var metaDeletedAt *int64
	metaExists := true
	err := tx.QueryRow(ctx,
		`SELECT deleted_at_ms_utc FROM records
		 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
		userID, syncx.TypeTodoAttachment, attachmentID).Scan(&metaDeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		metaExists = false
	} else if err != nil {
		return err
	}
	if metaExists && metaDeletedAt != nil {
		b.reject(env, ReasonAttachmentDeleted)
		return nil
	}

	if !metaExists {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM staged_records
			 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
			userID, syncx.TypeTodoAttachment, attachmentID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			b.reject(env, ReasonMissingAttachmentMeta)
			return nil
		}
		if err != nil {
			return err
		}
	}

	maxSeq, err := commitStagedAttachment(ctx, tx, userID, attachmentID, nowMs)
	if err != nil {
		return err
	}
	// Promotion may drop staged rows without a committed write (stale
	// HLC skip), so the running total is no longer authoritative.
	b.needsRecompute = true
	b.accept(env, maxSeq)
	return nil
}

// lookupPrior finds the version a push must supersede: committed first,
// staged only for stageable types. The stores are mutually exclusive per
// key, so at most one side answers.
func lookupPrior(ctx context.Context, tx pgx.Tx, userID int64, recordType, recordID string, stageable bool) (*priorRow, bool, error) {
	p := &priorRow{}
	err := tx.QueryRow(ctx,
		`SELECT hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		        length(nonce) + length(ciphertext)
		 FROM records
		 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
		userID, recordType, recordID).Scan(&p.HLC.WallTimeMsUtc, &p.HLC.Counter, &p.HLC.DeviceID, &p.Size)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	if !stageable {
		return nil, false, nil
	}

	err = tx.QueryRow(ctx,
		`SELECT hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		        length(nonce) + length(ciphertext)
		 FROM staged_records
		 WHERE user_id = $1 AND type = $2 AND record_id = $3`,
		userID, recordType, recordID).Scan(&p.HLC.WallTimeMsUtc, &p.HLC.Counter, &p.HLC.DeviceID, &p.Size)
	if err == nil {
		return p, false, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	return nil, false, err
}

func upsertCommitted(ctx context.Context, tx pgx.Tx, userID int64, env *Envelope, serverSeq, nowMs int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO records (
		   user_id, type, record_id,
		   hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		   deleted_at_ms_utc, schema_version, dek_id,
		   algo, nonce, ciphertext,
		   server_seq, updated_at_ms_utc
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (user_id, type, record_id) DO UPDATE SET
		   hlc_wall_ms_utc = excluded.hlc_wall_ms_utc,
		   hlc_counter = excluded.hlc_counter,
		   hlc_device_id = excluded.hlc_device_id,
		   deleted_at_ms_utc = excluded.deleted_at_ms_utc,
		   schema_version = excluded.schema_version,
		   dek_id = excluded.dek_id,
		   algo = excluded.algo,
		   nonce = excluded.nonce,
		   ciphertext = excluded.ciphertext,
		   server_seq = excluded.server_seq,
		   updated_at_ms_utc = excluded.updated_at_ms_utc`,
		userID, env.Type, env.RecordID,
		env.HLC.WallTimeMsUtc, env.HLC.Counter, env.HLC.DeviceID,
		env.DeletedAtMsUtc, env.SchemaVersion, env.DekID,
		env.PayloadAlgo, env.Nonce, env.Ciphertext,
		serverSeq, nowMs)
	return err
}

func upsertStaged(ctx context.Context, tx pgx.Tx, userID int64, env *Envelope, nowMs int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO staged_records (
		   user_id, type, record_id,
		   hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		   deleted_at_ms_utc, schema_version, dek_id,
		   algo, nonce, ciphertext,
		   updated_at_ms_utc
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (user_id, type, record_id) DO UPDATE SET
		   hlc_wall_ms_utc = excluded.hlc_wall_ms_utc,
		   hlc_counter = excluded.hlc_counter,
		   hlc_device_id = excluded.hlc_device_id,
		   deleted_at_ms_utc = excluded.deleted_at_ms_utc,
		   schema_version = excluded.schema_version,
		   dek_id = excluded.dek_id,
		   algo = excluded.algo,
		   nonce = excluded.nonce,
		   ciphertext = excluded.ciphertext,
		   updated_at_ms_utc = excluded.updated_at_ms_utc`,
		userID, env.Type, env.RecordID,
		env.HLC.WallTimeMsUtc, env.HLC.Counter, env.HLC.DeviceID,
		env.DeletedAtMsUtc, env.SchemaVersion, env.DekID,
		env.PayloadAlgo, env.Nonce, env.Ciphertext,
		nowMs)
	return err
}
