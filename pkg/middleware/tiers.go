package middleware

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultTierLimits are hourly ceilings per active subscription plan
var DefaultTierLimits = map[string]int{
	"free":       100,
	"pro":        1000,
	"premium":    1000,
	"enterprise": 10000,
}

// TierTable maps subscription plans to request ceilings. It is safe for
// concurrent use and can be replaced at runtime.
type TierTable struct {
	mu       sync.RWMutex
	limits   map[string]int
	fallback int
}

// tierFile is the YAML layout of a tier table file
type tierFile struct {
	Fallback int            `yaml:"fallback"`
	Tiers    map[string]int `yaml:"tiers"`
}

// NewTierTable creates a table. A non-positive fallback becomes 100.
func NewTierTable(limits map[string]int, fallback int) *TierTable {
	t := &TierTable{}
	t.Replace(limits, fallback)
	return t
}

// DefaultTierTable returns the built-in plan ceilings
func DefaultTierTable() *TierTable {
	return NewTierTable(DefaultTierLimits, 100)
}

// Limit returns the ceiling for plan, or the fallback for unknown plans
func (t *TierTable) Limit(plan string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit, ok := t.limits[plan]; ok {
		return limit
	}
	return t.fallback
}

// Fallback returns the ceiling used when no plan applies
func (t *TierTable) Fallback() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fallback
}

// Replace swaps the table contents
func (t *TierTable) Replace(limits map[string]int, fallback int) {
	if fallback <= 0 {
		fallback = 100
	}
	copied := make(map[string]int, len(limits))
	for plan, limit := range limits {
		copied[plan] = limit
	}

	t.mu.Lock()
	t.limits = copied
	t.fallback = fallback
	t.mu.Unlock()
}

// Reload replaces the table from a YAML file
func (t *TierTable) Reload(path string) error {
	limits, fallback, err := readTierFile(path)
	if err != nil {
		return err
	}
	t.Replace(limits, fallback)
	return nil
}

// LoadTierTable reads a YAML tier file:
//
//	fallback: 100
//	tiers:
//	  free: 100
//	  enterprise: 10000
func LoadTierTable(path string) (*TierTable, error) {
	limits, fallback, err := readTierFile(path)
	if err != nil {
		return nil, err
	}
	return NewTierTable(limits, fallback), nil
}

func readTierFile(path string) (map[string]int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read tier table: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("failed to parse tier table: %w", err)
	}
	for plan, limit := range f.Tiers {
		if limit <= 0 {
			return nil, 0, fmt.Errorf("tier %q has non-positive limit %d", plan, limit)
		}
	}
	return f.Tiers, f.Fallback, nil
}
