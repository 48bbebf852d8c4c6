package sqldb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
)

// Consume implements ports.BucketStore in a single transaction. Buckets are
// touched in key order so concurrent postgres transactions lock rows in the
// same sequence.
func (s *Store) Consume(ctx context.Context, specs []domain.BucketSpec, now time.Time) (*domain.ConsumeResult, error) {
	order := make([]int, len(specs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := specs[order[a]], specs[order[b]]
		if sa.Key != sb.Key {
			return sa.Key < sb.Key
		}
		return sa.Type < sb.Type
	})

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	states := make([]domain.BucketState, len(specs))
	admitted := true
	for _, i := range order {
		st, err := s.loadBucket(ctx, tx, specs[i], now)
		if err != nil {
			return nil, err
		}
		states[i] = st
		if st.Exhausted() {
			admitted = false
		}
	}

	if admitted {
		incr := s.dialect.Rebind(`UPDATE rate_limit_buckets SET current_count = current_count + 1
WHERE api_key_id = ? AND bucket_type = ? AND current_count < limit_value`)
		for _, i := range order {
			res, err := tx.ExecContext(ctx, incr, specs[i].Key, specs[i].Type)
			if err != nil {
				return nil, fmt.Errorf("increment bucket: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("increment bucket: %w", err)
			}
			if n != 1 {
				// Lost a race for the last slot; nothing from this call is kept.
				states[i].Count = specs[i].Limit
				return &domain.ConsumeResult{Admitted: false, Buckets: states}, nil
			}
			states[i].Count++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &domain.ConsumeResult{Admitted: admitted, Buckets: states}, nil
}

// loadBucket creates the bucket if missing and rolls an expired window. The
// configured limit always replaces the stored one so reloads take effect.
func (s *Store) loadBucket(ctx context.Context, tx *sqlx.Tx, spec domain.BucketSpec, now time.Time) (domain.BucketState, error) {
	insert := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO rate_limit_buckets (api_key_id, bucket_type, current_count, limit_value, reset_time)
VALUES (?, ?, 0, ?, ?) %s`, s.dialect.UpsertClause("api_key_id, bucket_type", nil)))
	if _, err := tx.ExecContext(ctx, insert, spec.Key, spec.Type, spec.Limit, toMillis(now.Add(spec.Period))); err != nil {
		return domain.BucketState{}, fmt.Errorf("create bucket: %w", err)
	}

	sel := s.dialect.Rebind(`SELECT current_count, reset_time FROM rate_limit_buckets
WHERE api_key_id = ? AND bucket_type = ?` + s.dialect.LockClause())
	var count, reset int64
	if err := tx.QueryRowxContext(ctx, sel, spec.Key, spec.Type).Scan(&count, &reset); err != nil {
		return domain.BucketState{}, fmt.Errorf("load bucket: %w", err)
	}

	resetTime := fromMillis(reset)
	if !now.Before(resetTime) {
		resetTime = domain.NextReset(resetTime, now, spec.Period)
		count = 0
	}

	upd := s.dialect.Rebind(`UPDATE rate_limit_buckets SET current_count = ?, limit_value = ?, reset_time = ?
WHERE api_key_id = ? AND bucket_type = ?`)
	if _, err := tx.ExecContext(ctx, upd, count, spec.Limit, toMillis(resetTime), spec.Key, spec.Type); err != nil {
		return domain.BucketState{}, fmt.Errorf("roll bucket: %w", err)
	}

	return domain.BucketState{Spec: spec, Count: count, ResetTime: resetTime}, nil
}

// Bucket returns the stored state of one bucket.
func (s *Store) Bucket(ctx context.Context, key, bucketType string) (count, limit int64, reset time.Time, err error) {
	query := s.dialect.Rebind(`SELECT current_count, limit_value, reset_time FROM rate_limit_buckets
WHERE api_key_id = ? AND bucket_type = ?`)
	var resetMs int64
	if err = s.db.QueryRowContext(ctx, query, key, bucketType).Scan(&count, &limit, &resetMs); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("get bucket: %w", err)
	}
	return count, limit, fromMillis(resetMs), nil
}
