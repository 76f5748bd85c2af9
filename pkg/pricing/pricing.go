package pricing

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Priority levels in increasing order of multiplier.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// UnitKind determines how billable units are derived from a payload.
type UnitKind string

const (
	// UnitTokens estimates LLM tokens as ceil(totalChars/4).
	UnitTokens UnitKind = "tokens"
	// UnitSeconds estimates wall-clock seconds for code execution.
	UnitSeconds UnitKind = "seconds"
	// UnitMegabytes estimates storage size in MB.
	UnitMegabytes UnitKind = "megabytes"
	// UnitFlat bills a single unit per request.
	UnitFlat UnitKind = "flat"
)

// ServicePricing is the price schedule for one service.
type ServicePricing struct {
	BasePrice    float64  `yaml:"base_price"`
	PricePerUnit float64  `yaml:"price_per_unit"`
	MinCharge    float64  `yaml:"min_charge"`
	MaxCharge    float64  `yaml:"max_charge"`
	Unit         UnitKind `yaml:"unit"`
}

// Table maps service names to price schedules plus priority multipliers.
type Table struct {
	Services    map[string]ServicePricing `yaml:"services"`
	Multipliers map[string]float64        `yaml:"priority_multipliers"`
}

// DefaultTable returns the built-in price schedule.
func DefaultTable() *Table {
	return &Table{
		Services: map[string]ServicePricing{
			"llm": {
				BasePrice:    0.001,
				PricePerUnit: 0.00002,
				MinCharge:    0.001,
				MaxCharge:    5.0,
				Unit:         UnitTokens,
			},
			"code-execution": {
				BasePrice:    0.01,
				PricePerUnit: 0.005,
				MinCharge:    0.01,
				MaxCharge:    10.0,
				Unit:         UnitSeconds,
			},
			"storage": {
				BasePrice:    0.001,
				PricePerUnit: 0.0001,
				MinCharge:    0.001,
				MaxCharge:    1.0,
				Unit:         UnitMegabytes,
			},
			"embedding": {
				BasePrice:    0.0005,
				PricePerUnit: 0.00001,
				MinCharge:    0.0005,
				MaxCharge:    1.0,
				Unit:         UnitTokens,
			},
			"search": {
				BasePrice:    0.002,
				PricePerUnit: 0,
				MinCharge:    0.002,
				MaxCharge:    0.002,
				Unit:         UnitFlat,
			},
		},
		Multipliers: map[string]float64{
			PriorityLow:    0.8,
			PriorityNormal: 1.0,
			PriorityHigh:   1.5,
			PriorityUrgent: 2.5,
		},
	}
}

// LoadTable reads a price schedule from a YAML file, filling gaps from the
// defaults. An empty path returns the defaults unchanged.
func LoadTable(path string) (*Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	loaded := &Table{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	for name, sp := range loaded.Services {
		table.Services[name] = sp
	}
	for name, mult := range loaded.Multipliers {
		table.Multipliers[name] = mult
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks the schedule for impossible prices.
func (t *Table) Validate() error {
	for name, sp := range t.Services {
		if sp.BasePrice < 0 || sp.PricePerUnit < 0 {
			return fmt.Errorf("service %s: prices must not be negative", name)
		}
		if sp.MinCharge > sp.MaxCharge {
			return fmt.Errorf("service %s: min_charge %f exceeds max_charge %f", name, sp.MinCharge, sp.MaxCharge)
		}
	}
	for name, mult := range t.Multipliers {
		if mult <= 0 {
			return fmt.Errorf("priority %s: multiplier must be positive", name)
		}
	}
	return nil
}

// Has reports whether a service has configured pricing.
func (t *Table) Has(service string) bool {
	_, ok := t.Services[service]
	return ok
}

// CalculateUnits derives billable units for a service from its payload.
func (t *Table) CalculateUnits(service string, payload map[string]interface{}) float64 {
	sp, ok := t.Services[service]
	if !ok {
		return 1
	}

	switch sp.Unit {
	case UnitTokens:
		chars := 0
		for _, field := range []string{"prompt", "input", "text", "messages"} {
			switch v := payload[field].(type) {
			case string:
				chars += len(v)
			case []interface{}:
				for _, item := range v {
					if s, ok := item.(string); ok {
						chars += len(s)
					} else if m, ok := item.(map[string]interface{}); ok {
						if content, ok := m["content"].(string); ok {
							chars += len(content)
						}
					}
				}
			}
		}
		if chars == 0 {
			return 1
		}
		return math.Ceil(float64(chars) / 4)

	case UnitSeconds:
		if secs, ok := toFloat(payload["timeout_seconds"]); ok && secs > 0 {
			return secs
		}
		if ms, ok := toFloat(payload["timeout_ms"]); ok && ms > 0 {
			return math.Ceil(ms / 1000)
		}
		return 30 // default execution window

	case UnitMegabytes:
		if bytes, ok := toFloat(payload["size_bytes"]); ok && bytes > 0 {
			return math.Ceil(bytes / (1024 * 1024))
		}
		return 1

	default:
		return 1
	}
}

// Estimate computes the charge for a service request: clamp(base +
// units*perUnit, min, max) scaled by the priority multiplier. Unknown
// priorities fall back to normal.
func (t *Table) Estimate(service string, units float64, priority string) (float64, error) {
	sp, ok := t.Services[service]
	if !ok {
		return 0, fmt.Errorf("no pricing configured for service %q", service)
	}

	subtotal := sp.BasePrice + units*sp.PricePerUnit
	subtotal = math.Min(math.Max(subtotal, sp.MinCharge), sp.MaxCharge)

	mult, ok := t.Multipliers[priority]
	if !ok {
		mult = t.Multipliers[PriorityNormal]
		if mult == 0 {
			mult = 1.0
		}
	}

	return subtotal * mult, nil
}

// EstimateForPayload combines CalculateUnits and Estimate.
func (t *Table) EstimateForPayload(service string, payload map[string]interface{}, priority string) (float64, error) {
	return t.Estimate(service, t.CalculateUnits(service, payload), priority)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
