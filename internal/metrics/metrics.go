// Package metrics defines the OpenTelemetry instruments of the tracker and
// a pull-based provider whose readings back the status API.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope of all cabot instruments.
const MeterName = "cabot"

// Metrics holds all cabot metric instruments.
type Metrics struct {
	TasksCreated     metric.Int64Counter
	TaskTransitions  metric.Int64Counter
	RemindersSent    metric.Int64Counter
	ReminderFailures metric.Int64Counter
	RemindersSkipped metric.Int64Counter
	ReminderCycles   metric.Int64Counter
	CycleDuration    metric.Float64Histogram
	MessagesHandled  metric.Int64Counter
	MessagesDropped  metric.Int64Counter
	DeliveryFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("cabot.tasks.created",
		metric.WithDescription("Tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("cabot.tasks.transitions",
		metric.WithDescription("Task status transitions by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.RemindersSent, err = meter.Int64Counter("cabot.reminders.sent",
		metric.WithDescription("Reminders delivered and stamped"),
	)
	if err != nil {
		return nil, err
	}

	m.ReminderFailures, err = meter.Int64Counter("cabot.reminders.failed",
		metric.WithDescription("Reminder deliveries that failed and will be retried"),
	)
	if err != nil {
		return nil, err
	}

	m.RemindersSkipped, err = meter.Int64Counter("cabot.reminders.skipped",
		metric.WithDescription("Due reminders skipped by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.ReminderCycles, err = meter.Int64Counter("cabot.reminders.cycles",
		metric.WithDescription("Completed reminder scan cycles"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("cabot.reminders.cycle.duration",
		metric.WithDescription("Reminder scan cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesHandled, err = meter.Int64Counter("cabot.messages.handled",
		metric.WithDescription("Inbound chat messages handled"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("cabot.messages.dropped",
		metric.WithDescription("Inbound chat messages dropped on a full per-user queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("cabot.delivery.failures",
		metric.WithDescription("Outbound messages the transport could not deliver"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// Provider is an SDK meter provider read on demand.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
	reader        *sdkmetric.ManualReader
}

func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		reader:        reader,
	}
}

// RegisterGauge reports the value of fn under name on every collection.
func (p *Provider) RegisterGauge(name, description string, fn func() int64) error {
	_, err := p.Meter.Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register gauge %s: %w", name, err)
	}
	return nil
}

// Snapshot collects all instruments and flattens them to name -> value.
// Data points with attributes are keyed as name{k=v,...}. Histograms
// contribute name.count and name.sum.
func (p *Provider) Snapshot(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] = float64(dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					key := seriesKey(m.Name, dp.Attributes)
					out[key+".count"] += float64(dp.Count)
					out[key+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}

func seriesKey(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	kvs := attrs.ToSlice()
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
