// Package strategy defines the analysis contract and ships two reference
// strategies. Strategies are pure: candles in, at most one signal out, no
// I/O and no clocks.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/karanvir/opttrader/internal/models"
)

// Input is everything a strategy sees for one analysis pass.
type Input struct {
	Symbol     string
	AssetClass models.AssetClass
	Timeframe  models.Timeframe
	Candles    []models.Candle
}

// Strategy analyzes a candle dataset. A nil signal with nil error means no
// action. Returned signals carry action, price levels, confidence and the
// bucket they were derived from; identity and status are assigned by the
// signal manager.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, in Input) (*models.Signal, error)
}

// Config is the per-strategy wiring from the YAML file.
type Config struct {
	Enabled         bool
	Symbols         []string
	Timeframe       models.Timeframe
	LookbackPeriods int
	MinPeriods      int
	// UseInProgress appends the forming candle to the dataset. Off by
	// default; most strategies should only see finalized buckets.
	UseInProgress bool
	Parameters    map[string]float64
	AssetClasses  []models.AssetClass
}

// Param reads a parameter with a default.
func (c Config) Param(name string, def float64) float64 {
	if v, ok := c.Parameters[name]; ok {
		return v
	}
	return def
}

// Entry pairs a strategy with its config in the registry.
type Entry struct {
	Strategy Strategy
	Config   Config
}

// Registry holds the enabled strategies keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a strategy; duplicate names are a wiring bug.
func (r *Registry) Register(s Strategy, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[s.Name()]; ok {
		return fmt.Errorf("strategy: %q already registered", s.Name())
	}
	r.entries[s.Name()] = Entry{Strategy: s, Config: cfg}
	return nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// ForSymbol returns the enabled entries that trade symbol in the given
// asset class.
func (r *Registry) ForSymbol(symbol string, class models.AssetClass) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if !e.Config.Enabled {
			continue
		}
		if !containsClass(e.Config.AssetClasses, class) {
			continue
		}
		if !containsString(e.Config.Symbols, symbol) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Names returns every registered strategy name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

func containsClass(list []models.AssetClass, c models.AssetClass) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
