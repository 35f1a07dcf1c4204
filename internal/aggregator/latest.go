package aggregator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"liqmap/pkg/types"
)

// WriteLatest atomically replaces the latest-snapshot file the
// dashboard reads. It writes to a .tmp file first, then renames over
// the target, so readers never observe a partial document.
func WriteLatest(path string, maps map[string]*types.LiquidationMap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(maps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal liquidation maps: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write liquidation maps: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadLatest loads the latest-snapshot file. A missing file returns an
// empty map, matching a collector that has not completed a cycle yet.
func ReadLatest(path string) (map[string]*types.LiquidationMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*types.LiquidationMap{}, nil
		}
		return nil, fmt.Errorf("read liquidation maps: %w", err)
	}

	var maps map[string]*types.LiquidationMap
	if err := json.Unmarshal(data, &maps); err != nil {
		return nil, fmt.Errorf("unmarshal liquidation maps: %w", err)
	}
	return maps, nil
}
