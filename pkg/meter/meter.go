// Package meter provides the direct-meter contract used by the
// match-table runtime, plus a simple two-rate three-color token-bucket
// implementation so the runtime is testable end to end without a real
// traffic-manager meter.
package meter

import (
	"sync"
	"time"

	"github.com/matchtable/switchcore/pkg/pipeline"
)

// Color is the meter's verdict, written into the packet's configured PHV
// field by the table on a hit.
type Color int

const (
	ColorGreen Color = iota
	ColorYellow
	ColorRed
)

// RateConfig configures one of a meter's token buckets.
type RateConfig struct {
	InfoRate  float64 // tokens/sec
	BurstSize int64
}

// MeterErrCode is the meter's own small error enum.
type MeterErrCode int

const (
	MeterSuccess MeterErrCode = iota
	MeterInvalidRates
)

// Meter is the per-entry direct meter contract.
type Meter interface {
	Execute(pkt pipeline.Packet) Color
	SetRates(configs []RateConfig) MeterErrCode
	GetRates() []RateConfig
}

// TokenBucketMeter is a committed/peak two-rate meter (srTCM-style):
// green while within the committed rate, yellow while within the peak
// rate, red beyond it.
type TokenBucketMeter struct {
	mu      sync.Mutex
	rates   []RateConfig
	tokens  []float64
	lastFill time.Time
}

// NewTokenBucketMeter builds a meter with full buckets.
func NewTokenBucketMeter(rates []RateConfig) *TokenBucketMeter {
	m := &TokenBucketMeter{lastFill: time.Now()}
	m.SetRates(rates)
	return m
}

func (m *TokenBucketMeter) SetRates(rates []RateConfig) MeterErrCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rates) == 0 || len(rates) > 2 {
		return MeterInvalidRates
	}
	m.rates = append([]RateConfig(nil), rates...)
	m.tokens = make([]float64, len(rates))
	for i, r := range rates {
		m.tokens[i] = float64(r.BurstSize)
	}
	m.lastFill = time.Now()
	return MeterSuccess
}

func (m *TokenBucketMeter) GetRates() []RateConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RateConfig(nil), m.rates...)
}

// Execute consumes one packet's worth of tokens (by packet length) from
// the committed bucket first, falling back to the peak bucket, and
// returns the resulting color. Buckets refill continuously based on the
// time elapsed since the previous call, measured on the packet's Now()
// clock, or on wall-clock time when the packet's timestamp is zero.
func (m *TokenBucketMeter) Execute(pkt pipeline.Packet) Color {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := pkt.Now()
	if now.IsZero() {
		now = time.Now()
	}
	elapsed := now.Sub(m.lastFill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	m.lastFill = now

	cost := float64(pkt.Len())
	if cost <= 0 {
		cost = 1
	}

	for i, r := range m.rates {
		m.tokens[i] += elapsed * r.InfoRate
		if m.tokens[i] > float64(r.BurstSize) {
			m.tokens[i] = float64(r.BurstSize)
		}
	}

	if len(m.rates) >= 1 && m.tokens[0] >= cost {
		m.tokens[0] -= cost
		return ColorGreen
	}
	if len(m.rates) >= 2 && m.tokens[1] >= cost {
		m.tokens[1] -= cost
		return ColorYellow
	}
	return ColorRed
}
