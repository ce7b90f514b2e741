// Package cost tracks token usage and spend for agent sessions and
// enforces configured budget ceilings.
package cost

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/cost"

// Rate prices one model in USD per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultRate is applied to models missing from the pricing table.
// It is deliberately priced at the expensive end so unknown models
// consume budget faster rather than slower.
var DefaultRate = Rate{InputPerMTok: 15.0, OutputPerMTok: 75.0}

// Usage reports tokens consumed by a single provider call.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// Status is the budget evaluation result.
type Status string

const (
	// StatusOK means all ceilings are below their warning threshold.
	StatusOK Status = "ok"

	// StatusWarning means a ceiling is at or above 80% but below 100%.
	StatusWarning Status = "warning"

	// StatusExceeded means a ceiling has been reached or passed.
	StatusExceeded Status = "exceeded"
)

// Budget holds per-session ceilings. Zero values mean unlimited.
type Budget struct {
	MaxTokens  int
	MaxCostUSD float64
}

// Tracker accumulates usage against a budget.
//
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	budget  Budget
	pricing map[string]Rate

	totalInput  int
	totalOutput int
	totalUSD    float64

	costCounter metric.Float64Counter
}

// NewTracker creates a Tracker with the given budget and pricing table.
// The pricing map may be nil; unknown models use DefaultRate.
func NewTracker(budget Budget, pricing map[string]Rate) *Tracker {
	meter := otel.Meter(instrumentationName)
	costCounter, _ := meter.Float64Counter("crewd_session_cost_usd_total",
		metric.WithDescription("Accumulated session cost in USD"))

	return &Tracker{
		budget:      budget,
		pricing:     pricing,
		costCounter: costCounter,
	}
}

// Add records usage from one provider call and returns its cost in USD.
func (t *Tracker) Add(usage Usage) float64 {
	rate, ok := t.pricing[usage.Model]
	if !ok {
		rate = DefaultRate
	}

	cost := float64(usage.InputTokens)/1e6*rate.InputPerMTok +
		float64(usage.OutputTokens)/1e6*rate.OutputPerMTok

	t.mu.Lock()
	t.totalInput += usage.InputTokens
	t.totalOutput += usage.OutputTokens
	t.totalUSD += cost
	t.mu.Unlock()

	t.costCounter.Add(context.Background(), cost,
		metric.WithAttributes(attribute.String("model", usage.Model)))

	return cost
}

// Check evaluates accumulated usage against the budget.
//
// The worst status across both ceilings wins: reaching a ceiling exactly
// counts as exceeded, and 80% of a ceiling raises a warning.
func (t *Tracker) Check() Status {
	t.mu.Lock()
	tokens := t.totalInput + t.totalOutput
	usd := t.totalUSD
	t.mu.Unlock()

	status := StatusOK
	if s := evaluate(float64(tokens), float64(t.budget.MaxTokens)); s != StatusOK {
		status = worse(status, s)
	}
	if s := evaluate(usd, t.budget.MaxCostUSD); s != StatusOK {
		status = worse(status, s)
	}
	return status
}

// Totals returns the accumulated token counts and spend.
func (t *Tracker) Totals() (inputTokens, outputTokens int, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalInput, t.totalOutput, t.totalUSD
}

// evaluate compares a value to a ceiling. A zero ceiling is unlimited.
func evaluate(value, ceiling float64) Status {
	if ceiling <= 0 {
		return StatusOK
	}
	switch {
	case value >= ceiling:
		return StatusExceeded
	case value >= ceiling*0.8:
		return StatusWarning
	default:
		return StatusOK
	}
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusWarning: 1, StatusExceeded: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
