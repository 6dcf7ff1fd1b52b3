package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fx-rate-pipeline/internal/rates"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO rate_snapshots (
        cycle_id,
        base,
        displayed,
        aggregated,
        providers,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id;`

	snapshotColumns = `id,
        cycle_id,
        base,
        displayed,
        aggregated,
        providers,
        created_at`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM (
        SELECT * FROM rate_snapshots
        ORDER BY created_at DESC, id DESC
        LIMIT $1
    ) recent
    ORDER BY created_at, id;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM rate_snapshots
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id;`

	latestSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM rate_snapshots
    ORDER BY created_at DESC, id DESC
    LIMIT 1;`

	deleteSnapshotsBeforeSQL = `DELETE FROM rate_snapshots WHERE created_at < $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM rate_snapshots;`

	insertConversionSQL = `INSERT INTO conversions (
        id,
        from_currency,
        to_currency,
        amount,
        rate,
        result,
        cached,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listPopularPairsSQL = `SELECT
        from_currency,
        to_currency,
        COUNT(*) AS requests
    FROM conversions
    GROUP BY from_currency, to_currency
    ORDER BY requests DESC, from_currency, to_currency
    LIMIT $1;`
)

// SnapshotStore defines operations for rate snapshot persistence.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error)
	// LoadRecentSnapshots returns up to limit snapshots ordered oldest to newest.
	LoadRecentSnapshots(ctx context.Context, limit int) ([]Snapshot, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]Snapshot, error)
	LatestSnapshot(ctx context.Context) (Snapshot, bool, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

// ConversionLog defines operations for conversion auditing.
type ConversionLog interface {
	InsertConversion(ctx context.Context, rec ConversionRecord) error
	ListPopularPairs(ctx context.Context, limit int) ([]PairCount, error)
}

// Store aggregates access to snapshots and the conversion log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSnapshot appends a snapshot and returns it with its assigned id.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, err
	}

	displayed, err := json.Marshal(snap.Displayed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode displayed table: %w", err)
	}
	aggregated, err := json.Marshal(snap.Aggregated)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode aggregated table: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.Providers == nil {
		snap.Providers = []string{}
	}

	if scanErr := pool.QueryRow(ctx, insertSnapshotSQL,
		snap.CycleID,
		snap.Base,
		displayed,
		aggregated,
		snap.Providers,
		snap.CreatedAt,
	).Scan(&snap.ID); scanErr != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", scanErr)
	}
	return snap, nil
}

// LoadRecentSnapshots lists the newest snapshots, returned oldest first.
func (s *Store) LoadRecentSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists snapshots within [from, to).
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows, 0)
}

// LatestSnapshot returns the newest snapshot, if any.
func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, false, err
	}
	rows, queryErr := pool.Query(ctx, latestSnapshotSQL)
	if queryErr != nil {
		return Snapshot{}, false, fmt.Errorf("latest snapshot: %w", queryErr)
	}
	snaps, err := collectSnapshots(rows, 1)
	if err != nil || len(snaps) == 0 {
		return Snapshot{}, false, err
	}
	return snaps[0], true, nil
}

// DeleteSnapshotsBefore removes snapshots older than the cutoff.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertConversion appends a conversion record.
func (s *Store) InsertConversion(ctx context.Context, rec ConversionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, execErr := pool.Exec(ctx, insertConversionSQL,
		rec.ID,
		rec.From,
		rec.To,
		rec.Amount.String(),
		rec.Rate.String(),
		rec.Result.String(),
		rec.Cached,
		rec.CreatedAt,
	); execErr != nil {
		return fmt.Errorf("insert conversion: %w", execErr)
	}
	return nil
}

// ListPopularPairs returns the most requested pairs.
func (s *Store) ListPopularPairs(ctx context.Context, limit int) ([]PairCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPopularPairsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list popular pairs: %w", queryErr)
	}
	defer rows.Close()

	pairs := make([]PairCount, 0, limit)
	for rows.Next() {
		var pc PairCount
		if err := rows.Scan(&pc.From, &pc.To, &pc.Count); err != nil {
			return nil, err
		}
		pairs = append(pairs, pc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pairs, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]Snapshot, error) {
	defer rows.Close()

	snaps := make([]Snapshot, 0, capacity)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanSnapshot(rows pgx.Rows) (Snapshot, error) {
	var (
		snap       Snapshot
		displayed  []byte
		aggregated []byte
	)
	if err := rows.Scan(
		&snap.ID,
		&snap.CycleID,
		&snap.Base,
		&displayed,
		&aggregated,
		&snap.Providers,
		&snap.CreatedAt,
	); err != nil {
		return Snapshot{}, err
	}

	if err := json.Unmarshal(displayed, &snap.Displayed); err != nil {
		return Snapshot{}, fmt.Errorf("decode displayed table: %w", err)
	}
	if len(aggregated) > 0 {
		if err := json.Unmarshal(aggregated, &snap.Aggregated); err != nil {
			return Snapshot{}, fmt.Errorf("decode aggregated table: %w", err)
		}
	}
	if snap.Aggregated == nil {
		snap.Aggregated = rates.Table{}
	}
	return snap, nil
}

var (
	_ SnapshotStore = (*Store)(nil)
	_ ConversionLog = (*Store)(nil)
)
