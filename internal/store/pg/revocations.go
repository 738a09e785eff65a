package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defiant4/organization-management-service/internal/token"
)

var _ token.RevocationStore = (*Store)(nil)

// SaveRevocation upserts rev, keeping the later cutoff and expiry.
func (s *Store) SaveRevocation(ctx context.Context, rev token.Revocation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_revocations(kind, key, cutoff, expires_at)
		values ($1, $2, $3, $4)
		on conflict (kind, key) do update
		set cutoff = greatest(token_revocations.cutoff, excluded.cutoff),
		    expires_at = greatest(token_revocations.expires_at, excluded.expires_at)
	`, rev.Kind, rev.Key, nullTime(rev.Cutoff), rev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("pg: save revocation: %w", err)
	}
	return nil
}

// ActiveRevocations returns entries that have not yet lapsed at now.
func (s *Store) ActiveRevocations(ctx context.Context, now time.Time) ([]token.Revocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select kind, key, cutoff, expires_at
		from token_revocations
		where expires_at > $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("pg: load revocations: %w", err)
	}
	defer rows.Close()
	var out []token.Revocation
	for rows.Next() {
		var rev token.Revocation
		var cutoff sql.NullTime
		if err := rows.Scan(&rev.Kind, &rev.Key, &cutoff, &rev.ExpiresAt); err != nil {
			return nil, fmt.Errorf("pg: scan revocation: %w", err)
		}
		rev.Cutoff = cutoff.Time
		out = append(out, rev)
	}
	return out, rows.Err()
}

// PurgeRevocations deletes lapsed entries and returns how many were removed.
func (s *Store) PurgeRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from token_revocations where expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pg: purge revocations: %w", err)
	}
	return res.RowsAffected()
}
