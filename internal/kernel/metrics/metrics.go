// Package metrics exports kernel instrumentation through an
// OpenTelemetry MeterProvider with a Prometheus exporter registered
// against the registry passed to Init, so /metrics (if the CLI enables
// it) serves the same numbers.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Handle is the set of counters/histograms the kernel updates: a narrow,
// swappable interface so tests can inject a no-op implementation.
type Handle interface {
	PageFault(ctx context.Context, cause string)
	BlockAlloc(ctx context.Context, fs string)
	FreeListExhausted(ctx context.Context, fs string)
	SyscallLatencyMS(ctx context.Context, name string, ms float64)
}

type otelHandle struct {
	pageFaults   metric.Int64Counter
	blockAllocs  metric.Int64Counter
	exhaustions  metric.Int64Counter
	syscallHisto metric.Float64Histogram
}

var (
	once    sync.Once
	handle  Handle = noop{}
	initErr error
)

// Init registers a Prometheus exporter against reg and returns the
// resulting Handle plus a shutdown function. Safe to call once per
// process; subsequent calls return the first result.
func Init(reg *prometheus.Registry) (Handle, func(context.Context) error, error) {
	once.Do(func() {
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			initErr = err
			return
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		meter := provider.Meter("weenixfs/kernel")

		h := &otelHandle{}
		h.pageFaults, _ = meter.Int64Counter("kernel_page_faults_total")
		h.blockAllocs, _ = meter.Int64Counter("kernel_block_allocations_total")
		h.exhaustions, _ = meter.Int64Counter("kernel_free_list_exhaustions_total")
		h.syscallHisto, _ = meter.Float64Histogram("kernel_syscall_latency_ms")
		handle = h
		_ = provider
	})
	return handle, func(context.Context) error { return nil }, initErr
}

func (h *otelHandle) PageFault(ctx context.Context, cause string) {
	h.pageFaults.Add(ctx, 1)
}

func (h *otelHandle) BlockAlloc(ctx context.Context, fs string) {
	h.blockAllocs.Add(ctx, 1)
}

func (h *otelHandle) FreeListExhausted(ctx context.Context, fs string) {
	h.exhaustions.Add(ctx, 1)
}

func (h *otelHandle) SyscallLatencyMS(ctx context.Context, name string, ms float64) {
	h.syscallHisto.Record(ctx, ms)
}

// noop is used before Init is called and in unit tests.
type noop struct{}

func (noop) PageFault(context.Context, string)             {}
func (noop) BlockAlloc(context.Context, string)            {}
func (noop) FreeListExhausted(context.Context, string)     {}
func (noop) SyscallLatencyMS(context.Context, string, float64) {}

// NoOp returns a Handle that discards everything, for tests.
func NoOp() Handle { return noop{} }
