package db

import (
	"context"
	"database/sql"
	"encoding/json"
)

type Store struct {
	db *sql.DB
}

func New(database *sql.DB) *Store {
	return &Store{db: database}
}

type Item struct {
	Id          int64
	Site        string
	ItemHash    string
	Name        string
	Price       float64
	Currency    string
	Fields      string
	FirstSeenAt int64
	LastSeenAt  int64
	TimesSeen   int64
}

type ItemParams struct {
	Hash     string
	Name     string
	Price    float64
	Currency string
	Fields   map[string]string
}

// UpsertItems writes one batch of accepted items in a single
// transaction. An item seen before keeps its first_seen_at and bumps
// times_seen, everything else is overwritten with the fresh values.
func (s *Store) UpsertItems(ctx context.Context, site string, seenAt int64, items []ItemParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		fields := item.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		serialized, err := json.Marshal(fields)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO items (site, item_hash, name, price, currency, fields, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site, item_hash) DO UPDATE SET
				name = excluded.name,
				price = excluded.price,
				currency = excluded.currency,
				fields = excluded.fields,
				last_seen_at = excluded.last_seen_at,
				times_seen = times_seen + 1`,
			site, item.Hash, item.Name, item.Price, item.Currency,
			string(serialized), seenAt, seenAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListItems returns stored items for one site, or for every site when
// site is "". Ordered by name for stable output.
func (s *Store) ListItems(ctx context.Context, site string) ([]Item, error) {
	query := `SELECT id, site, item_hash, name, price, currency, fields,
		first_seen_at, last_seen_at, times_seen FROM items`
	args := []any{}
	if site != "" {
		query += ` WHERE site = ?`
		args = append(args, site)
	}
	query += ` ORDER BY site, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		err = rows.Scan(
			&item.Id, &item.Site, &item.ItemHash, &item.Name,
			&item.Price, &item.Currency, &item.Fields,
			&item.FirstSeenAt, &item.LastSeenAt, &item.TimesSeen,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetItem(ctx context.Context, site, hash string) (Item, error) {
	var item Item
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, site, item_hash, name, price, currency, fields,
		first_seen_at, last_seen_at, times_seen FROM items
		WHERE site = ? AND item_hash = ?`,
		site, hash,
	).Scan(
		&item.Id, &item.Site, &item.ItemHash, &item.Name,
		&item.Price, &item.Currency, &item.Fields,
		&item.FirstSeenAt, &item.LastSeenAt, &item.TimesSeen,
	)
	return item, err
}

type Run struct {
	Id          string
	Site        string
	Status      string
	StartedAt   int64
	CompletedAt sql.NullInt64
	ItemsCount  int64
	Error       string
}

func (s *Store) CreateRun(ctx context.Context, id, site string, startedAt int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scrape_runs (id, site, status, started_at) VALUES (?, ?, ?, ?)`,
		id, site, RunStatusRunning, startedAt,
	)
	return err
}

func (s *Store) CompleteRun(ctx context.Context, id string, itemsCount int64, completedAt int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE scrape_runs SET status = ?, items_count = ?, completed_at = ? WHERE id = ?`,
		RunStatusCompleted, itemsCount, completedAt, id,
	)
	return err
}

func (s *Store) FailRun(ctx context.Context, id, message string, completedAt int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE scrape_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		RunStatusFailed, message, completedAt, id,
	)
	return err
}

// RecentRuns returns the latest runs for a site, newest first.
func (s *Store) RecentRuns(ctx context.Context, site string, limit int64) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, site, status, started_at, completed_at, items_count, error
		FROM scrape_runs WHERE site = ? ORDER BY started_at DESC LIMIT ?`,
		site, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		err = rows.Scan(
			&run.Id, &run.Site, &run.Status, &run.StartedAt,
			&run.CompletedAt, &run.ItemsCount, &run.Error,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type FailureParams struct {
	RunId   string
	Site    string
	Level   string
	Message string
}

func (s *Store) RecordFailure(ctx context.Context, params FailureParams, createdAt int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scrape_failures (run_id, site, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		params.RunId, params.Site, params.Level, params.Message, createdAt,
	)
	return err
}

type FailureCounts struct {
	Warning  int64
	Error    int64
	Critical int64
	Total    int64
}

func (s *Store) CountFailuresSince(ctx context.Context, since int64) (FailureCounts, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT level, COUNT(*) FROM scrape_failures
		WHERE created_at >= ? GROUP BY level`,
		since,
	)
	if err != nil {
		return FailureCounts{}, err
	}
	defer rows.Close()

	var counts FailureCounts
	for rows.Next() {
		var level string
		var count int64
		err = rows.Scan(&level, &count)
		if err != nil {
			return FailureCounts{}, err
		}
		switch level {
		case FailureLevelWarning:
			counts.Warning = count
		case FailureLevelError:
			counts.Error = count
		case FailureLevelCritical:
			counts.Critical = count
		}
		counts.Total += count
	}
	return counts, rows.Err()
}

func (s *Store) RecordHealthCheck(ctx context.Context, status, detail string, checkedAt int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO health_checks (checked_at, status, detail) VALUES (?, ?, ?)`,
		checkedAt, status, detail,
	)
	return err
}
