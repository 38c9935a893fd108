package runtime

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/config"
	"github.com/vela-build/taskgraph/pkg/taskcache"
)

// Options configures a Runtime, mirroring spec.md §6's enumerated Options
// (worker_count, debounce_ms, stats_mode, cell_hash_bits) plus the
// observability knobs every embedder in this corpus threads through
// construction rather than reaching for global state.
type Options struct {
	WorkerCount  int
	Debounce     time.Duration
	StatsMode    taskcache.StatsMode
	CellHashBits cellstore.HashBits

	// Logger, Tracer, and Meter let an embedder share its own
	// observability providers. Any left nil are filled in by
	// observability.Init when New runs.
	Logger            *slog.Logger
	Tracer            trace.Tracer
	Meter             metric.Meter
	PrometheusMetrics bool
	ServiceName       string
}

// FromEnv loads Options from environment variables under prefix (empty
// defaults to config.DefaultEnvPrefix, "TASKGRAPH"), matching spec.md
// §6's "single prefix, parsed once at Runtime::new".
func FromEnv(prefix string) (Options, error) {
	cfg, err := config.Load("", prefix)
	if err != nil {
		return Options{}, err
	}

	return OptionsFromConfig(cfg), nil
}

// OptionsFromConfig converts an already-loaded config.Config into
// runtime Options.
func OptionsFromConfig(cfg config.Config) Options {
	var statsMode taskcache.StatsMode

	switch cfg.StatsMode {
	case "off":
		statsMode = taskcache.StatsOff
	case "small":
		statsMode = taskcache.StatsSmall
	default:
		statsMode = taskcache.StatsFull
	}

	hashBits := cellstore.Hash128
	if cfg.CellHashBits == 64 {
		hashBits = cellstore.Hash64
	}

	return Options{
		WorkerCount:       cfg.WorkerCount,
		Debounce:          time.Duration(cfg.DebounceMS) * time.Millisecond,
		StatsMode:         statsMode,
		CellHashBits:      hashBits,
		PrometheusMetrics: cfg.MetricsEnabled,
		ServiceName:       "taskgraph",
	}
}
