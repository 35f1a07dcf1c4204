// Package history is the append-only snapshot store behind the
// collector.
//
// Three tables live in one SQLite file: per-cycle liquidation snapshots
// (one row per asset, cluster arrays compressed into a single column),
// a plain price series, and recorded liquidation events. Writes go
// through prepared statements inside one transaction per cycle, so a
// crash never leaves a half-written cycle. Tiered retention and the
// one-shot blob-compression migration live in retention.go and
// migrate.go.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"liqmap/pkg/types"
)

// tsFormat is how timestamps are stored: ISO-8601 UTC to the second.
// Lexical order equals chronological order, which the retention queries
// rely on.
const tsFormat = "2006-01-02T15:04:05Z"

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	coin TEXT NOT NULL,
	current_price REAL NOT NULL,
	total_long_at_risk REAL,
	total_short_at_risk REAL,
	nearest_long_price REAL,
	nearest_long_size REAL,
	nearest_short_price REAL,
	nearest_short_size REAL,
	clusters_blob TEXT,
	UNIQUE(timestamp, coin)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_coin_time ON snapshots(coin, timestamp);

CREATE TABLE IF NOT EXISTS price_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	coin TEXT NOT NULL,
	price REAL NOT NULL,
	UNIQUE(timestamp, coin)
);
CREATE INDEX IF NOT EXISTS idx_price_coin_time ON price_history(coin, timestamp);

CREATE TABLE IF NOT EXISTS liquidation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	coin TEXT NOT NULL,
	price REAL NOT NULL,
	side TEXT NOT NULL,
	cluster_size REAL,
	price_move_percent REAL,
	time_to_hit_minutes REAL
);
`

const (
	insertSnapshotQuery = `INSERT OR REPLACE INTO snapshots
		(timestamp, coin, current_price, total_long_at_risk, total_short_at_risk,
		 nearest_long_price, nearest_long_size, nearest_short_price, nearest_short_size,
		 clusters_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertPriceQuery = `INSERT OR REPLACE INTO price_history (timestamp, coin, price)
		VALUES (?, ?, ?)`

	insertEventQuery = `INSERT INTO liquidation_events
		(timestamp, coin, price, side, cluster_size, price_move_percent, time_to_hit_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// Store is the SQLite-backed historical store. Safe for concurrent use;
// SQLite serializes writers and WAL keeps readers unblocked.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger

	stmtSnapshot *sqlx.Stmt
	stmtPrice    *sqlx.Stmt
	stmtEvent    *sqlx.Stmt
}

// Open creates or opens the store at path, initializing the schema and
// preparing the hot-path insert statements.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger.With("component", "history")}
	if s.stmtSnapshot, err = db.Preparex(insertSnapshotQuery); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare snapshot insert: %w", err)
	}
	if s.stmtPrice, err = db.Preparex(insertPriceQuery); err != nil {
		s.stmtSnapshot.Close()
		db.Close()
		return nil, fmt.Errorf("prepare price insert: %w", err)
	}
	if s.stmtEvent, err = db.Preparex(insertEventQuery); err != nil {
		s.stmtSnapshot.Close()
		s.stmtPrice.Close()
		db.Close()
		return nil, fmt.Errorf("prepare event insert: %w", err)
	}
	return s, nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	if s.stmtSnapshot != nil {
		s.stmtSnapshot.Close()
	}
	if s.stmtPrice != nil {
		s.stmtPrice.Close()
	}
	if s.stmtEvent != nil {
		s.stmtEvent.Close()
	}
	return s.db.Close()
}

// formatTS renders a timestamp in the store's canonical form.
func formatTS(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(tsFormat)
}

// SaveSnapshots writes one row per asset under one timestamp. Rows with
// the same (timestamp, coin) key are replaced. The whole batch commits
// atomically.
func (s *Store) SaveSnapshots(ctx context.Context, ts time.Time, maps map[string]*types.LiquidationMap) error {
	tsStr := formatTS(ts)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmtx(s.stmtSnapshot)
	for coin, m := range maps {
		blob, err := compressClusters(clusterDoc{
			Long:  m.LongLiquidations,
			Short: m.ShortLiquidations,
		})
		if err != nil {
			return fmt.Errorf("compress clusters for %s: %w", coin, err)
		}

		var nlPrice, nlSize, nsPrice, nsSize sql.NullFloat64
		if c := m.NearestLongCluster; c != nil {
			nlPrice = sql.NullFloat64{Float64: c.PriceCenter, Valid: true}
			nlSize = sql.NullFloat64{Float64: c.TotalSizeUSD, Valid: true}
		}
		if c := m.NearestShortCluster; c != nil {
			nsPrice = sql.NullFloat64{Float64: c.PriceCenter, Valid: true}
			nsSize = sql.NullFloat64{Float64: c.TotalSizeUSD, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			tsStr, coin, m.CurrentPrice,
			m.TotalLongAtRiskUSD, m.TotalShortAtRiskUSD,
			nlPrice, nlSize, nsPrice, nsSize,
			blob,
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", coin, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	s.logger.Info("snapshots stored", "assets", len(maps), "timestamp", tsStr)
	return nil
}

// SavePrices writes one price row per asset under one timestamp.
// Non-positive prices are skipped.
func (s *Store) SavePrices(ctx context.Context, ts time.Time, prices map[string]float64) error {
	tsStr := formatTS(ts)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin price tx: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmtx(s.stmtPrice)
	saved := 0
	for coin, price := range prices {
		if price <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, tsStr, coin, price); err != nil {
			return fmt.Errorf("insert price %s: %w", coin, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prices: %w", err)
	}
	s.logger.Debug("prices stored", "assets", saved, "timestamp", tsStr)
	return nil
}

// Event records that price reached a previously-mapped liquidation
// cluster.
type Event struct {
	ID               int64   `db:"id" json:"id"`
	Timestamp        string  `db:"timestamp" json:"timestamp"`
	Coin             string  `db:"coin" json:"coin"`
	Price            float64 `db:"price" json:"price"`
	Side             string  `db:"side" json:"side"`
	ClusterSize      float64 `db:"cluster_size" json:"cluster_size"`
	PriceMovePercent float64 `db:"price_move_percent" json:"price_move_percent"`
	TimeToHitMinutes float64 `db:"time_to_hit_minutes" json:"time_to_hit_minutes"`
}

// SaveEvent appends one liquidation event.
func (s *Store) SaveEvent(ctx context.Context, ts time.Time, ev Event) error {
	_, err := s.stmtEvent.ExecContext(ctx,
		formatTS(ts), ev.Coin, ev.Price, ev.Side,
		ev.ClusterSize, ev.PriceMovePercent, ev.TimeToHitMinutes,
	)
	if err != nil {
		return fmt.Errorf("insert liquidation event: %w", err)
	}
	return nil
}

// snapshotRow mirrors one snapshots table row.
type snapshotRow struct {
	ID               int64           `db:"id"`
	Timestamp        string          `db:"timestamp"`
	Coin             string          `db:"coin"`
	CurrentPrice     float64         `db:"current_price"`
	TotalLongAtRisk  float64         `db:"total_long_at_risk"`
	TotalShortAtRisk float64         `db:"total_short_at_risk"`
	NearestLongPx    sql.NullFloat64 `db:"nearest_long_price"`
	NearestLongSize  sql.NullFloat64 `db:"nearest_long_size"`
	NearestShortPx   sql.NullFloat64 `db:"nearest_short_price"`
	NearestShortSize sql.NullFloat64 `db:"nearest_short_size"`
	ClustersBlob     sql.NullString  `db:"clusters_blob"`
}

// Snapshot is one decoded historical snapshot for one asset.
type Snapshot struct {
	Timestamp        time.Time                  `json:"timestamp"`
	Coin             string                     `json:"coin"`
	CurrentPrice     float64                    `json:"current_price"`
	TotalLongAtRisk  float64                    `json:"total_long_at_risk"`
	TotalShortAtRisk float64                    `json:"total_short_at_risk"`
	NearestLongPx    *float64                   `json:"nearest_long_price"`
	NearestLongSize  *float64                   `json:"nearest_long_size"`
	NearestShortPx   *float64                   `json:"nearest_short_price"`
	NearestShortSize *float64                   `json:"nearest_short_size"`
	LongClusters     []types.LiquidationCluster `json:"long_clusters"`
	ShortClusters    []types.LiquidationCluster `json:"short_clusters"`
}

func nullToPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Snapshots returns up to limit snapshots for one asset between since
// and until, newest first. Cluster blobs are decompressed on the way
// out; both tagged and legacy plain-JSON rows decode.
func (s *Store) Snapshots(ctx context.Context, coin string, since, until time.Time, limit int) ([]Snapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM snapshots
		WHERE coin = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		coin, formatTS(since), formatTS(until), limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(tsFormat, row.Timestamp)
		if err != nil {
			s.logger.Warn("unparseable snapshot timestamp, skipping row", "timestamp", row.Timestamp, "id", row.ID)
			continue
		}

		snap := Snapshot{
			Timestamp:        ts,
			Coin:             row.Coin,
			CurrentPrice:     row.CurrentPrice,
			TotalLongAtRisk:  row.TotalLongAtRisk,
			TotalShortAtRisk: row.TotalShortAtRisk,
			NearestLongPx:    nullToPtr(row.NearestLongPx),
			NearestLongSize:  nullToPtr(row.NearestLongSize),
			NearestShortPx:   nullToPtr(row.NearestShortPx),
			NearestShortSize: nullToPtr(row.NearestShortSize),
		}
		if row.ClustersBlob.Valid && row.ClustersBlob.String != "" {
			doc, err := decompressClusters(row.ClustersBlob.String)
			if err != nil {
				s.logger.Warn("undecodable cluster blob, returning row without clusters", "id", row.ID, "error", err)
			} else {
				snap.LongClusters = doc.Long
				snap.ShortClusters = doc.Short
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

// PricePoint is one price observation.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// PriceHistory returns the price series for one asset between since and
// until, oldest first.
func (s *Store) PriceHistory(ctx context.Context, coin string, since, until time.Time) ([]PricePoint, error) {
	var rows []struct {
		Timestamp string  `db:"timestamp"`
		Price     float64 `db:"price"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT timestamp, price FROM price_history
		WHERE coin = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp`,
		coin, formatTS(since), formatTS(until))
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}

	out := make([]PricePoint, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(tsFormat, row.Timestamp)
		if err != nil {
			continue
		}
		out = append(out, PricePoint{Timestamp: ts, Price: row.Price})
	}
	return out, nil
}

// Events returns recorded liquidation events, newest first. An empty
// coin matches every asset.
func (s *Store) Events(ctx context.Context, coin string, since, until time.Time) ([]Event, error) {
	var rows []Event
	var err error
	if coin != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM liquidation_events
			WHERE coin = ? AND timestamp BETWEEN ? AND ?
			ORDER BY timestamp DESC`,
			coin, formatTS(since), formatTS(until))
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM liquidation_events
			WHERE timestamp BETWEEN ? AND ?
			ORDER BY timestamp DESC`,
			formatTS(since), formatTS(until))
	}
	if err != nil {
		return nil, fmt.Errorf("query liquidation events: %w", err)
	}
	return rows, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	SnapshotCount  int64   `json:"snapshot_count"`
	PriceCount     int64   `json:"price_count"`
	EventCount     int64   `json:"event_count"`
	CoinsTracked   int64   `json:"coins_tracked"`
	OldestSnapshot string  `json:"oldest_snapshot"`
	NewestSnapshot string  `json:"newest_snapshot"`
	DBSizeMB       float64 `json:"db_size_mb"`
}

// Stats reads row counts, the tracked asset count, the snapshot time
// range, and the database file size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.SnapshotCount, `SELECT COUNT(*) FROM snapshots`); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.PriceCount, `SELECT COUNT(*) FROM price_history`); err != nil {
		return nil, fmt.Errorf("count prices: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.EventCount, `SELECT COUNT(*) FROM liquidation_events`); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.CoinsTracked, `SELECT COUNT(DISTINCT coin) FROM snapshots`); err != nil {
		return nil, fmt.Errorf("count coins: %w", err)
	}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowxContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM snapshots`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("snapshot time range: %w", err)
	}
	st.OldestSnapshot = oldest.String
	st.NewestSnapshot = newest.String

	if fi, err := os.Stat(s.path); err == nil {
		st.DBSizeMB = float64(fi.Size()) / (1024 * 1024)
	}
	return &st, nil
}

// fileSizeMB reports the current database file size. Zero if the file
// cannot be measured.
func (s *Store) fileSizeMB() float64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return float64(fi.Size()) / (1024 * 1024)
}
