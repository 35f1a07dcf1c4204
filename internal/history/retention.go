package history

import (
	"context"
	"fmt"
	"time"
)

// Retention tiers, oldest first:
//
//	age > 30 d              delete
//	7 d < age <= 30 d       keep one row per day (12:00 UTC)
//	1 d < age <= 7 d        keep top-of-hour rows
//	age <= 1 d              keep everything
//
// The same policy applies to snapshots and price_history. Intended to
// run daily; VACUUM afterwards reclaims the freed pages.

// TierCounts reports, per table, how many rows each tier removed (or
// would remove, in dry-run).
type TierCounts struct {
	Expired   int64 `json:"expired"`    // older than 30 days
	Daily     int64 `json:"daily"`      // 7-30 days, not the noon row
	Hourly    int64 `json:"hourly"`     // 1-7 days, not top-of-hour
	TotalRows int64 `json:"total_rows"` // rows before pruning
	AfterRows int64 `json:"after_rows"` // rows after pruning (dry-run: projected)
}

// PruneReport is the result of one maintenance run.
type PruneReport struct {
	DryRun       bool       `json:"dry_run"`
	Snapshots    TierCounts `json:"snapshots"`
	PriceHistory TierCounts `json:"price_history"`
	SizeBeforeMB float64    `json:"size_before_mb"`
	SizeAfterMB  float64    `json:"size_after_mb"`
}

// Deleted sums the rows removed across tables and tiers.
func (r *PruneReport) Deleted() int64 {
	return r.Snapshots.Expired + r.Snapshots.Daily + r.Snapshots.Hourly +
		r.PriceHistory.Expired + r.PriceHistory.Daily + r.PriceHistory.Hourly
}

// Prune applies the tiered retention policy as of now. With dryRun set
// it only counts; otherwise it deletes and then VACUUMs. The report
// carries per-tier counts either way.
func (s *Store) Prune(ctx context.Context, now time.Time, dryRun bool) (*PruneReport, error) {
	report := &PruneReport{
		DryRun:       dryRun,
		SizeBeforeMB: s.fileSizeMB(),
	}

	// Cutoffs in the canonical timestamp form; lexical comparison is
	// chronological for this format. strftime picks the wall-clock
	// hour and minute out of the stored UTC text.
	cut1 := formatTS(now.Add(-24 * time.Hour))
	cut7 := formatTS(now.Add(-7 * 24 * time.Hour))
	cut30 := formatTS(now.Add(-30 * 24 * time.Hour))

	tiers := []struct {
		name string
		cond string
		args []any
	}{
		{"expired", `timestamp < ?`, []any{cut30}},
		{"daily", `timestamp < ? AND timestamp >= ? AND strftime('%H', timestamp) != '12'`, []any{cut7, cut30}},
		{"hourly", `timestamp < ? AND timestamp >= ? AND strftime('%M', timestamp) != '00'`, []any{cut1, cut7}},
	}

	for _, table := range []struct {
		name   string
		counts *TierCounts
	}{
		{"snapshots", &report.Snapshots},
		{"price_history", &report.PriceHistory},
	} {
		if err := s.db.GetContext(ctx, &table.counts.TotalRows,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table.name)); err != nil {
			return nil, fmt.Errorf("count %s: %w", table.name, err)
		}

		for i, tier := range tiers {
			var removed int64
			if dryRun {
				q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table.name, tier.cond)
				if err := s.db.GetContext(ctx, &removed, q, tier.args...); err != nil {
					return nil, fmt.Errorf("count %s tier %s: %w", table.name, tier.name, err)
				}
			} else {
				q := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table.name, tier.cond)
				res, err := s.db.ExecContext(ctx, q, tier.args...)
				if err != nil {
					return nil, fmt.Errorf("delete %s tier %s: %w", table.name, tier.name, err)
				}
				removed, _ = res.RowsAffected()
			}

			switch i {
			case 0:
				table.counts.Expired = removed
			case 1:
				table.counts.Daily = removed
			case 2:
				table.counts.Hourly = removed
			}
		}

		table.counts.AfterRows = table.counts.TotalRows -
			table.counts.Expired - table.counts.Daily - table.counts.Hourly

		s.logger.Info("retention pass",
			"table", table.name,
			"dry_run", dryRun,
			"expired", table.counts.Expired,
			"daily", table.counts.Daily,
			"hourly", table.counts.Hourly,
			"remaining", table.counts.AfterRows,
		)
	}

	if !dryRun {
		if err := s.Vacuum(ctx); err != nil {
			return nil, err
		}
	}
	report.SizeAfterMB = s.fileSizeMB()
	return report, nil
}

// Vacuum reclaims the space freed by deleted rows.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
