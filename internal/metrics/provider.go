package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	logx "cronwheel/pkg/logx"
)

// Provider is an in-process SDK meter provider read on demand. There is no
// exporter; Report logs a periodic summary instead.
type Provider struct {
	mp     *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
	rec    *Recorder
}

func NewProvider() (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := New(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &Provider{mp: mp, reader: reader, rec: rec}, nil
}

func (p *Provider) Recorder() *Recorder { return p.rec }

// Summary maps instrument name to its total: counter sums, histogram counts.
type Summary map[string]int64

// Collect reads the current totals.
func (p *Provider) Collect(ctx context.Context) (Summary, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("metrics: collect: %w", err)
	}
	out := Summary{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] = total
			case metricdata.Histogram[float64]:
				var n uint64
				for _, dp := range data.DataPoints {
					n += dp.Count
				}
				out[m.Name] = int64(n)
			}
		}
	}
	return out, nil
}

// Report logs a summary every interval until ctx ends.
func (p *Provider) Report(ctx context.Context, log logx.Logger, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		sum, err := p.Collect(ctx)
		if err != nil {
			log.Warn("metrics collect failed", logx.Err(err))
			continue
		}
		names := make([]string, 0, len(sum))
		for k := range sum {
			names = append(names, k)
		}
		sort.Strings(names)
		fields := make([]logx.Field, 0, len(names))
		for _, k := range names {
			fields = append(fields, logx.Int64(k, sum[k]))
		}
		log.Info("metrics", fields...)
	}
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
