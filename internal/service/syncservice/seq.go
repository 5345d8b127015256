package syncservice

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// allocServerSeq returns the next strictly increasing sequence number
// for the user. Sequence values are never reused; compactions allocate
// fresh ones so pulling clients always see the rewrite.
//
// The UPDATE serializes concurrent writers on the counter row, which is
// what gives per-user ordering across transactions.
func allocServerSeq(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO server_seq (user_id, next_seq)
		 VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, err
	}

	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE server_seq SET next_seq = next_seq + 1 WHERE user_id = $1 RETURNING next_seq`,
		userID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
