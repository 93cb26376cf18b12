package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/fleet-control/internal/alerting"
	"procodus.dev/fleet-control/internal/jobs"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

// Analytics defaults.
const (
	DefaultAnalyticsWindow   = time.Hour
	DefaultAnalyticsInterval = time.Minute
)

// MetricSummary aggregates one numeric metric over an analytics window.
type MetricSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Latest float64 `json:"latest"`
}

// Analytics is a device's telemetry summary, pushed to dashboards and stored
// as the job result.
type Analytics struct {
	From        time.Time                `json:"from"`
	Until       time.Time                `json:"until"`
	ProcessedAt time.Time                `json:"processed_at"`
	TenantID    string                   `json:"tenant_id"`
	DeviceID    string                   `json:"device_id"`
	Samples     int                      `json:"samples"`
	Metrics     map[string]MetricSummary `json:"metrics"`
}

// Summarize aggregates the numeric metrics of records, oldest first.
// Non-numeric values and unreadable rows are skipped.
func Summarize(records []store.TelemetryRecord) map[string]MetricSummary {
	out := make(map[string]MetricSummary)
	sums := make(map[string]float64)
	for _, r := range records {
		var values map[string]any
		if err := json.Unmarshal(r.Metrics, &values); err != nil {
			continue
		}
		for name, raw := range values {
			v, ok := alerting.Number(raw)
			if !ok {
				continue
			}
			s, seen := out[name]
			if !seen || v < s.Min {
				s.Min = v
			}
			if !seen || v > s.Max {
				s.Max = v
			}
			s.Count++
			s.Latest = v
			sums[name] += v
			out[name] = s
		}
	}
	for name, s := range out {
		s.Mean = sums[name] / float64(s.Count)
		out[name] = s
	}
	return out
}

// analyticsGate lets at most one analytics job per device through each
// interval.
type analyticsGate struct {
	mu    sync.Mutex
	every time.Duration
	last  map[string]time.Time
}

func newAnalyticsGate(every time.Duration) *analyticsGate {
	return &analyticsGate{every: every, last: make(map[string]time.Time)}
}

func (g *analyticsGate) due(tenantID, deviceID string, at time.Time) bool {
	k := tenantID + "/" + deviceID
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[k]; ok && at.Sub(last) < g.every {
		return false
	}
	g.last[k] = at
	return true
}

// triggerAnalytics enqueues an analytics job for the device when one is due
// by receipt time. The summary window ends at the reading's own timestamp.
// A full queue only costs this round's summary.
func (p *Pipeline) triggerAnalytics(logger *slog.Logger, tenantID, deviceID string, until, receivedAt time.Time) string {
	if p.enqueuer == nil || !p.gate.due(tenantID, deviceID, receivedAt) {
		return ""
	}
	h, err := p.enqueuer.TryEnqueue(jobs.DeviceAnalytics, jobs.AnalyticsArgs{
		TenantID: tenantID,
		DeviceID: deviceID,
		Until:    until,
	})
	if err != nil {
		logger.Warn("failed to enqueue device analytics", "error", err)
		return ""
	}
	return h.ID
}

func (p *Pipeline) analytics(ctx context.Context, job *tasks.Job) (any, error) {
	var args jobs.AnalyticsArgs
	if err := job.Decode(&args); err != nil {
		return nil, err
	}
	if args.TenantID == "" || args.DeviceID == "" {
		return nil, fmt.Errorf("%w: %s needs tenant_id and device_id", tasks.ErrInvalidArgs, job.Name)
	}
	return p.ProcessAnalytics(ctx, args)
}

// ProcessAnalytics summarizes a device's telemetry over the window ending at
// args.Until, or now when unset, and pushes the summary to dashboards.
func (p *Pipeline) ProcessAnalytics(ctx context.Context, args jobs.AnalyticsArgs) (Analytics, error) {
	until := args.Until
	if until.IsZero() {
		until = p.now()
	}
	from := until.Add(-p.analyticsWindow)

	records, err := p.store.TelemetrySince(ctx, args.TenantID, args.DeviceID, from)
	if err != nil {
		return Analytics{}, err
	}
	n := 0
	for n < len(records) && !records[n].Timestamp.After(until) {
		n++
	}
	records = records[:n]

	out := Analytics{
		From:        from,
		Until:       until,
		ProcessedAt: p.now(),
		TenantID:    args.TenantID,
		DeviceID:    args.DeviceID,
		Samples:     len(records),
		Metrics:     Summarize(records),
	}
	if err := p.sink.SendUpdate(ctx, args.TenantID, realtime.CategoryAnalytics, args.DeviceID, out); err != nil {
		p.logger.Error("failed to push analytics update",
			"tenant_id", args.TenantID,
			"device_id", args.DeviceID,
			"error", err,
		)
	}
	return out, nil
}
