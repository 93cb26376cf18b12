// Package alerting evaluates telemetry against per-device thresholds and
// manages the resulting alerts.
package alerting

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/store"
)

// Comparator decides whether a value breaches its threshold.
type Comparator string

// Comparators.
const (
	Above Comparator = ">"
	Below Comparator = "<"
)

// Breached applies the comparator. An empty comparator means Above.
func (c Comparator) Breached(value, threshold float64) bool {
	if c == Below {
		return value < threshold
	}
	return value > threshold
}

// Rule is one row of the evaluation table.
type Rule struct {
	Metric     string
	Comparator Comparator
	Severity   store.Severity
	// AlertType defaults to {metric}_high for Above and {metric}_low for Below.
	AlertType string
	// Message is a fmt template receiving the value and the threshold.
	Message string
	// DetailKey, when set, repeats the current value under this key.
	DetailKey string
}

// Type returns the alert type the rule raises.
func (r Rule) Type() string {
	if r.AlertType != "" {
		return r.AlertType
	}
	if r.Comparator == Below {
		return r.Metric + "_low"
	}
	return r.Metric + "_high"
}

// DefaultRules is the evaluation table, in evaluation order.
var DefaultRules = []Rule{
	{
		Metric:    "temperature",
		Severity:  store.SeverityHigh,
		Message:   "Temperature exceeded threshold: %v°C > %v°C",
		DetailKey: "current_temp",
	},
	{Metric: "humidity", Severity: store.SeverityMedium, Message: "Humidity exceeded threshold: %v%% > %v%%"},
	{Metric: "cpu_usage", Severity: store.SeverityMedium, Message: "CPU usage exceeded threshold: %v%% > %v%%"},
	{Metric: "memory_usage", Severity: store.SeverityMedium, Message: "Memory usage exceeded threshold: %v%% > %v%%"},
	{Metric: "disk_usage", Severity: store.SeverityMedium, Message: "Disk usage exceeded threshold: %v%% > %v%%"},
	{
		Metric:     "battery_level",
		Comparator: Below,
		Severity:   store.SeverityHigh,
		Message:    "Battery level below threshold: %v%% < %v%%",
	},
	{
		Metric:     "signal_strength",
		Comparator: Below,
		Severity:   store.SeverityLow,
		Message:    "Signal strength below threshold: %v dBm < %v dBm",
	},
}

// Breach is one rule firing on one telemetry message.
type Breach struct {
	Rule      Rule
	Current   float64
	Threshold float64
	Alert     broker.AlertPayload
}

// Evaluate applies every rule whose metric appears in both maps, in table
// order. ts becomes the alert timestamp.
func Evaluate(rules []Rule, thresholds map[string]float64, metrics map[string]any, ts time.Time) []Breach {
	var out []Breach
	for _, r := range rules {
		threshold, ok := thresholds[r.Metric]
		if !ok {
			continue
		}
		current, ok := Number(metrics[r.Metric])
		if !ok || !r.Comparator.Breached(current, threshold) {
			continue
		}

		details := map[string]any{"current": current, "threshold": threshold}
		if r.DetailKey != "" {
			details[r.DetailKey] = current
		}
		out = append(out, Breach{
			Rule:      r,
			Current:   current,
			Threshold: threshold,
			Alert: broker.AlertPayload{
				Timestamp: broker.Timestamp{Time: ts},
				Type:      r.Type(),
				Severity:  string(r.Severity),
				Message:   fmt.Sprintf(r.Message, current, threshold),
				Details:   details,
			},
		})
	}
	return out
}

// Number converts a decoded JSON metric value to a float. Non-finite and
// non-numeric values report false.
func Number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

const thresholdSuffix = "_threshold"

// Thresholds reads a device configuration. Entries under "thresholds" win
// over the legacy "alert_config" {"<metric>_threshold": n} form.
func Thresholds(configuration datatypes.JSON) map[string]float64 {
	out := make(map[string]float64)
	if len(configuration) == 0 {
		return out
	}
	var cfg struct {
		Thresholds  map[string]any `json:"thresholds"`
		AlertConfig map[string]any `json:"alert_config"`
	}
	if err := json.Unmarshal(configuration, &cfg); err != nil {
		return out
	}

	for k, v := range cfg.AlertConfig {
		metric, ok := strings.CutSuffix(k, thresholdSuffix)
		if !ok || metric == "" {
			continue
		}
		if f, ok := threshold(v); ok {
			out[metric] = f
		}
	}
	for metric, v := range cfg.Thresholds {
		if f, ok := threshold(v); ok {
			out[metric] = f
		}
	}
	return out
}

// threshold also accepts numeric strings, which configuration forms tend to produce.
func threshold(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return Number(v)
}
