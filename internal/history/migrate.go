package history

import (
	"context"
	"encoding/json"
	"fmt"
)

// MigrateReport is the result of one compression migration run.
type MigrateReport struct {
	DryRun            bool    `json:"dry_run"`
	TotalRows         int64   `json:"total_rows"`
	AlreadyCompressed int64   `json:"already_compressed"`
	NeedCompression   int64   `json:"need_compression"`
	Rewritten         int64   `json:"rewritten"`
	Errors            int64   `json:"errors"`
	SizeBeforeMB      float64 `json:"size_before_mb"`
	SizeAfterMB       float64 `json:"size_after_mb"`
}

// CompressLegacy rewrites every uncompressed clusters_blob value to the
// tagged zlib form, batchSize rows per transaction. Rows whose blob
// fails to parse are counted and left untouched. With dryRun set it
// only reports the counts. Runs once after the compression rollout;
// safe to re-run, a fully-migrated store is a no-op.
func (s *Store) CompressLegacy(ctx context.Context, dryRun bool, batchSize int) (*MigrateReport, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	report := &MigrateReport{
		DryRun:       dryRun,
		SizeBeforeMB: s.fileSizeMB(),
	}

	if err := s.db.GetContext(ctx, &report.TotalRows,
		`SELECT COUNT(*) FROM snapshots`); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	if err := s.db.GetContext(ctx, &report.AlreadyCompressed,
		`SELECT COUNT(*) FROM snapshots WHERE clusters_blob LIKE 'ZLIB:%'`); err != nil {
		return nil, fmt.Errorf("count compressed rows: %w", err)
	}
	if err := s.db.GetContext(ctx, &report.NeedCompression,
		`SELECT COUNT(*) FROM snapshots WHERE clusters_blob IS NOT NULL AND clusters_blob NOT LIKE 'ZLIB:%'`); err != nil {
		return nil, fmt.Errorf("count legacy rows: %w", err)
	}

	if dryRun || report.NeedCompression == 0 {
		report.SizeAfterMB = report.SizeBeforeMB
		return report, nil
	}

	for {
		var rows []struct {
			ID   int64  `db:"id"`
			Blob string `db:"clusters_blob"`
		}
		// Skip over rows that failed in a previous batch so the loop
		// always makes progress.
		err := s.db.SelectContext(ctx, &rows, `
			SELECT id, clusters_blob FROM snapshots
			WHERE clusters_blob IS NOT NULL AND clusters_blob NOT LIKE 'ZLIB:%'
			ORDER BY id
			LIMIT ? OFFSET ?`,
			batchSize, report.Errors)
		if err != nil {
			return nil, fmt.Errorf("select legacy batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin migration tx: %w", err)
		}

		for _, row := range rows {
			var doc clusterDoc
			if err := json.Unmarshal([]byte(row.Blob), &doc); err != nil {
				s.logger.Warn("legacy blob unparseable, leaving as-is", "id", row.ID, "error", err)
				report.Errors++
				continue
			}
			blob, err := compressClusters(doc)
			if err != nil {
				s.logger.Warn("compression failed, leaving as-is", "id", row.ID, "error", err)
				report.Errors++
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE snapshots SET clusters_blob = ? WHERE id = ?`, blob, row.ID); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("rewrite row %d: %w", row.ID, err)
			}
			report.Rewritten++
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit migration batch: %w", err)
		}
		s.logger.Info("migration batch committed",
			"rewritten", report.Rewritten, "of", report.NeedCompression)
	}

	if err := s.Vacuum(ctx); err != nil {
		return nil, err
	}
	report.SizeAfterMB = s.fileSizeMB()
	return report, nil
}
