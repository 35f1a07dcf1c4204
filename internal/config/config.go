// Package config defines all configuration for the liquidation-map
// collector. Every knob has a default; an optional YAML file and
// LIQMAP_* environment variables override it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Constructed once at startup and passed by value into every
// component constructor.
type Config struct {
	Assets     []string         `mapstructure:"assets"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// VenueConfig holds the venue endpoints and the client's rate budget.
// RequestsPerSecond bounds concurrent in-flight info requests;
// MinRequestSpacing is the minimum gap between request admissions.
type VenueConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	WSURL             string        `mapstructure:"ws_url"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	MinRequestSpacing time.Duration `mapstructure:"min_request_spacing"`
}

// DiscoveryConfig controls the wallet registry.
//
//   - MinTrades / MaxWalletAge: filters applied when selecting wallets to scan.
//   - BootstrapFloor: if fewer active wallets survive the load, backfill runs.
//   - BootstrapAssets: how many assets (from the front of the list) to backfill.
type DiscoveryConfig struct {
	MinTrades       int           `mapstructure:"min_trades"`
	MaxWalletAge    time.Duration `mapstructure:"max_wallet_age"`
	BootstrapFloor  int           `mapstructure:"bootstrap_floor"`
	BootstrapAssets int           `mapstructure:"bootstrap_assets"`
}

// ScanConfig bounds the position scan.
//
//   - MaxWallets: hard cap on addresses per scan.
//   - MinPositionUSD: positions below this notional are dropped.
//   - DustSize: |size| at or below this is treated as no position.
type ScanConfig struct {
	MaxWallets     int     `mapstructure:"max_wallets"`
	MinPositionUSD float64 `mapstructure:"min_position_usd"`
	DustSize       float64 `mapstructure:"dust_size"`
}

// ClusterConfig tunes the aggregation.
//
//   - BucketPercent: width of one price bucket, in percent of current price.
//   - MinRawBucketUSD: a bucket below this total never becomes a cluster.
//   - MinClusterUSD: significance threshold for nearest-cluster selection;
//     also the ceiling under which adjacent clusters may merge.
//   - MergePercent: max gap between adjacent small clusters to merge them.
type ClusterConfig struct {
	BucketPercent   float64 `mapstructure:"bucket_percent"`
	MinRawBucketUSD float64 `mapstructure:"min_raw_bucket_usd"`
	MinClusterUSD   float64 `mapstructure:"min_cluster_usd"`
	MergePercent    float64 `mapstructure:"merge_percent"`
}

// CollectorConfig drives continuous mode: one cycle every Interval,
// ErrorPause after a failed cycle before the next attempt.
type CollectorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	ErrorPause time.Duration `mapstructure:"error_pause"`
}

// MarketDataConfig controls the market-data fetch and its cache.
// LiquidityTopN assets (ranked by open interest in USD) get an
// order-book pull when liquidity is requested.
type MarketDataConfig struct {
	IncludeLiquidity bool          `mapstructure:"include_liquidity"`
	LiquidityTopN    int           `mapstructure:"liquidity_top_n"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// StoreConfig sets where state lands on disk. DBPath may be overridden
// by the DB_PATH environment variable.
type StoreConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	WalletsFile string `mapstructure:"wallets_file"`
	MapFile     string `mapstructure:"map_file"`
	DBPath      string `mapstructure:"db_path"`
}

// APIConfig controls the status API server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assets", []string{
		"BTC", "ETH", "SOL", "ARB", "DOGE", "SUI", "AVAX", "LINK", "OP", "APT",
		"INJ", "TIA", "SEI", "WLD", "HYPE", "XRP", "FARTCOIN", "PEPE", "WIF", "BONK",
	})

	v.SetDefault("venue.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("venue.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("venue.http_timeout", 30*time.Second)
	v.SetDefault("venue.requests_per_second", 10)
	v.SetDefault("venue.min_request_spacing", 100*time.Millisecond)

	v.SetDefault("discovery.min_trades", 1)
	v.SetDefault("discovery.max_wallet_age", 24*time.Hour)
	v.SetDefault("discovery.bootstrap_floor", 50)
	v.SetDefault("discovery.bootstrap_assets", 10)

	v.SetDefault("scan.max_wallets", 5000)
	v.SetDefault("scan.min_position_usd", 1000.0)
	v.SetDefault("scan.dust_size", 0.0001)

	v.SetDefault("cluster.bucket_percent", 0.1)
	v.SetDefault("cluster.min_raw_bucket_usd", 10_000.0)
	v.SetDefault("cluster.min_cluster_usd", 100_000.0)
	v.SetDefault("cluster.merge_percent", 0.5)

	v.SetDefault("collector.interval", 300*time.Second)
	v.SetDefault("collector.error_pause", 30*time.Second)

	v.SetDefault("market_data.include_liquidity", true)
	v.SetDefault("market_data.liquidity_top_n", 20)
	v.SetDefault("market_data.cache_ttl", 30*time.Second)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.wallets_file", "data/wallets.json")
	v.SetDefault("store.map_file", "data/liquidation_map.json")
	v.SetDefault("store.db_path", "data/historical.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8001)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load builds the config from defaults, an optional YAML file, and
// LIQMAP_* env overrides. An empty path runs on defaults alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LIQMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// DB_PATH is honored without the prefix so store tooling can point
	// one-off runs at another database file.
	if p := os.Getenv("DB_PATH"); p != "" {
		cfg.Store.DBPath = p
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must not be empty")
	}
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("venue.base_url is required")
	}
	if c.Venue.RequestsPerSecond <= 0 {
		return fmt.Errorf("venue.requests_per_second must be > 0")
	}
	if c.Venue.MinRequestSpacing < 0 {
		return fmt.Errorf("venue.min_request_spacing must be >= 0")
	}
	if c.Scan.MaxWallets <= 0 {
		return fmt.Errorf("scan.max_wallets must be > 0")
	}
	if c.Cluster.BucketPercent <= 0 {
		return fmt.Errorf("cluster.bucket_percent must be > 0")
	}
	if c.Cluster.MinClusterUSD < c.Cluster.MinRawBucketUSD {
		return fmt.Errorf("cluster.min_cluster_usd must be >= cluster.min_raw_bucket_usd")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be > 0")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
