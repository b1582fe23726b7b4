package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/throttle"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Executor   ExecutorConfig    `json:"executor"`
	Reconcile  ReconcileConfig   `json:"reconcile"`
	RateLimits []RateLimitConfig `json:"rateLimits"`
	Stream     StreamConfig      `json:"stream"`
	Journal    JournalConfig     `json:"journal"`
}

// ExecutorConfig describes the arbitrage opportunity to run.
type ExecutorConfig struct {
	BuyingPair       string `json:"buyingPair"`
	SellingPair      string `json:"sellingPair"`
	OrderAmount      string `json:"orderAmount"`
	MinProfitability string `json:"minProfitability"`
	MaxRetries       int    `json:"maxRetries"`
	UpdateIntervalMs int    `json:"updateIntervalMs"`
}

// ReconcileConfig tunes the REST reconciliation loop.
type ReconcileConfig struct {
	PollIntervalMs    int `json:"pollIntervalMs"`
	NotFoundThreshold int `json:"notFoundThreshold"`
}

// RateLimitConfig describes one throttler pool.
type RateLimitConfig struct {
	ID       string             `json:"id"`
	Limit    int                `json:"limit"`
	WindowMs int                `json:"windowMs"`
	Weight   int                `json:"weight"`
	Linked   []LinkedLimitConfig `json:"linked"`
}

// LinkedLimitConfig names a pool charged together with its parent.
type LinkedLimitConfig struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

// StreamConfig describes the user stream endpoint.
type StreamConfig struct {
	URL           string   `json:"url"`
	Channels      []string `json:"channels"`
	ReadTimeoutMs int      `json:"readTimeoutMs"`
	PingTimeoutMs int      `json:"pingTimeoutMs"`
	MaxReconnects int      `json:"maxReconnects"`
}

// JournalConfig enables the PostgreSQL event journal.
type JournalConfig struct {
	Enabled  bool        `json:"enabled"`
	Postgres conn.Option `json:"postgres"`
}

// ExecutorSpec is the resolved executor definition.
type ExecutorSpec struct {
	BuyingPair       string
	SellingPair      string
	OrderAmount      decimal.Decimal
	MinProfitability decimal.Decimal
	MaxRetries       int
	UpdateInterval   time.Duration
}

// ReconcileSpec is the resolved reconciliation tuning.
type ReconcileSpec struct {
	PollInterval      time.Duration
	NotFoundThreshold int
}

// StreamSpec is the resolved stream definition.
type StreamSpec struct {
	URL           string
	Channels      []string
	ReadTimeout   time.Duration
	PingTimeout   time.Duration
	MaxReconnects int
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Executor  ExecutorSpec
	Reconcile ReconcileSpec
	Pools     []throttle.Pool
	Stream    StreamSpec
	Journal   JournalConfig
}

// Load reads a JSON config file and resolves every section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	executor, err := resolveExecutor(cfg.Executor)
	if err != nil {
		return Loaded{}, err
	}
	pools, err := resolvePools(cfg.RateLimits)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Executor:  executor,
		Reconcile: resolveReconcile(cfg.Reconcile),
		Pools:     pools,
		Stream:    resolveStream(cfg.Stream),
		Journal:   cfg.Journal,
	}, nil
}

func resolveExecutor(cfg ExecutorConfig) (ExecutorSpec, error) {
	if cfg.BuyingPair == "" || cfg.SellingPair == "" {
		return ExecutorSpec{}, fmt.Errorf("executor pairs are empty")
	}
	amount, err := decimal.NewFromString(cfg.OrderAmount)
	if err != nil {
		return ExecutorSpec{}, fmt.Errorf("invalid orderAmount %q: %w", cfg.OrderAmount, err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return ExecutorSpec{}, fmt.Errorf("orderAmount must be > 0")
	}
	minProfit := decimal.Zero
	if cfg.MinProfitability != "" {
		minProfit, err = decimal.NewFromString(cfg.MinProfitability)
		if err != nil {
			return ExecutorSpec{}, fmt.Errorf("invalid minProfitability %q: %w", cfg.MinProfitability, err)
		}
	}
	if cfg.MaxRetries < 0 {
		return ExecutorSpec{}, fmt.Errorf("maxRetries must be >= 0")
	}
	return ExecutorSpec{
		BuyingPair:       cfg.BuyingPair,
		SellingPair:      cfg.SellingPair,
		OrderAmount:      amount,
		MinProfitability: minProfit,
		MaxRetries:       cfg.MaxRetries,
		UpdateInterval:   time.Duration(cfg.UpdateIntervalMs) * time.Millisecond,
	}, nil
}

func resolveReconcile(cfg ReconcileConfig) ReconcileSpec {
	return ReconcileSpec{
		PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		NotFoundThreshold: cfg.NotFoundThreshold,
	}
}

func resolvePools(cfgs []RateLimitConfig) ([]throttle.Pool, error) {
	pools := make([]throttle.Pool, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("rate limit pool id is empty")
		}
		if cfg.Limit <= 0 || cfg.WindowMs <= 0 {
			return nil, fmt.Errorf("rate limit pool %s must have positive limit and window", cfg.ID)
		}
		pool := throttle.Pool{
			ID:     cfg.ID,
			Limit:  cfg.Limit,
			Window: time.Duration(cfg.WindowMs) * time.Millisecond,
			Weight: cfg.Weight,
		}
		for _, linked := range cfg.Linked {
			pool.Linked = append(pool.Linked, throttle.LinkedPool{ID: linked.ID, Weight: linked.Weight})
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func resolveStream(cfg StreamConfig) StreamSpec {
	return StreamSpec{
		URL:           cfg.URL,
		Channels:      cfg.Channels,
		ReadTimeout:   time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		PingTimeout:   time.Duration(cfg.PingTimeoutMs) * time.Millisecond,
		MaxReconnects: cfg.MaxReconnects,
	}
}
