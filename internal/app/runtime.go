package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hubmetrics/groups-exporter/internal/config"
	"github.com/hubmetrics/groups-exporter/internal/groups"
	"github.com/hubmetrics/groups-exporter/internal/health"
	"github.com/hubmetrics/groups-exporter/internal/hubapi"
	"github.com/hubmetrics/groups-exporter/internal/metrics"
	"github.com/hubmetrics/groups-exporter/internal/promql"
	"github.com/hubmetrics/groups-exporter/internal/retryhttp"
	"github.com/hubmetrics/groups-exporter/internal/schedule"
	"github.com/hubmetrics/groups-exporter/internal/store"
	"github.com/hubmetrics/groups-exporter/internal/usage"
	"go.uber.org/zap"
)

type groupsFetcher interface {
	FetchGroups(ctx context.Context) ([]groups.Record, error)
}

type usageQuerier interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]promql.Sample, error)
}

// Runtime owns the exporter's shared state: the snapshot store, the gauge
// families, the upstream clients, and the scheduled refresh tasks. It is an
// explicit object rather than package globals so independent instances can
// run side by side in tests.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *metrics.Registry
	snapshots store.SnapshotStore
	hub       groupsFetcher
	queries   usageQuerier
	runner    *schedule.Runner
	evaluator *health.StatusEvaluator

	membership *metrics.Family
	families   map[string]*metrics.Family

	mu                  sync.RWMutex
	schedulerRunning    bool
	hubHealthy          bool
	queryBackendHealthy bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime with real upstream clients built from config.
func NewRuntime(cfg *config.Config, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}

	retryCfg := retryhttp.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	hubClient := hubapi.New(retryhttp.New(httpClient, retryCfg), cfg.Hub.URL, cfg.Hub.APIToken, logger)
	queryClient := promql.New(retryhttp.New(httpClient, retryCfg), cfg.Prometheus.URL)

	return newRuntime(cfg, logger, hubClient, queryClient, newSnapshotStore(cfg, logger))
}

func newRuntime(cfg *config.Config, logger *zap.Logger, hub groupsFetcher, queries usageQuerier, snapshots store.SnapshotStore) *Runtime {
	registry := metrics.NewRegistry(cfg.Metrics.Prefix)

	runtime := &Runtime{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		snapshots: snapshots,
		hub:       hub,
		queries:   queries,
		runner:    schedule.NewRunner(logger),
		evaluator: health.NewStatusEvaluator(),
		families:  make(map[string]*metrics.Family),
		// Upstreams are presumed healthy until a tick says otherwise.
		hubHealthy:          true,
		queryBackendHealthy: true,
		Now:                 time.Now,
	}

	runtime.membership = registry.Family(
		"user_group_info",
		"JupyterHub namespace, username and user group membership information.",
	)
	for _, spec := range usage.ComputeQueries {
		runtime.families[spec.Metric] = registry.Family(spec.Metric, spec.Help)
	}
	for _, spec := range usage.StorageQueries {
		runtime.families[spec.Metric] = registry.Family(spec.Metric, spec.Help)
	}

	return runtime
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(r.cfg.Server.MetricsPath, r.registry.Handler(), health.NewHandler(r))
}

// Start launches the refresh tasks. Tasks stop when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	r.schedulerRunning = true
	r.mu.Unlock()

	tasks := []schedule.Task{{
		Name:     "membership",
		Interval: r.cfg.Intervals.Membership,
		Run:      r.RunMembershipCycle,
	}}
	for _, spec := range usage.ComputeQueries {
		tasks = append(tasks, r.usageTask(spec, r.cfg.Intervals.Usage))
	}
	for _, spec := range usage.StorageQueries {
		tasks = append(tasks, r.usageTask(spec, r.cfg.Intervals.Storage))
	}

	r.logger.Info("starting refresh scheduler",
		zap.Int("task_count", len(tasks)),
		zap.Duration("membership_interval", r.cfg.Intervals.Membership),
		zap.Duration("usage_interval", r.cfg.Intervals.Usage),
		zap.Duration("storage_interval", r.cfg.Intervals.Storage),
	)
	r.runner.Start(ctx, tasks...)
}

// Stop marks the scheduler stopped and waits for in-flight ticks to finish.
// Cancellation itself happens through the context passed to Start.
func (r *Runtime) Stop() {
	r.runner.Wait()
	r.mu.Lock()
	r.schedulerRunning = false
	r.mu.Unlock()
	if err := r.snapshots.Close(); err != nil {
		r.logger.Warn("failed to close snapshot store", zap.Error(err))
	}
	r.logger.Info("refresh scheduler stopped")
}

func (r *Runtime) usageTask(spec usage.QuerySpec, interval time.Duration) schedule.Task {
	return schedule.Task{
		Name:     spec.Metric,
		Interval: interval,
		Run: func(ctx context.Context) error {
			return r.RunUsageCycle(ctx, spec, interval)
		},
	}
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	r.mu.RLock()
	input := health.Input{
		SchedulerRunning:    r.schedulerRunning,
		HubHealthy:          r.hubHealthy,
		QueryBackendHealthy: r.queryBackendHealthy,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// RunMembershipCycle executes one membership refresh tick: fetch all group
// records, resolve the snapshot, publish it, and swap the membership gauge.
// On any fetch error the previous snapshot and gauge state stay in place.
func (r *Runtime) RunMembershipCycle(ctx context.Context) error {
	records, err := r.hub.FetchGroups(ctx)
	if err != nil {
		r.setHubHealthy(false)
		return err
	}
	r.setHubHealthy(true)

	policy := groups.Policy{
		DoubleCount:       r.cfg.Metrics.DoubleCount,
		DefaultGroupLabel: r.cfg.Metrics.DefaultGroupLabel,
	}
	snapshot := groups.Resolve(records, r.cfg.Metrics.AllowedGroups, policy)

	if err := r.snapshots.Publish(ctx, snapshot); err != nil {
		// The gauge swap below still proceeds: resolution succeeded and the
		// store keeps a local copy, so only cross-replica sharing is lost.
		r.logger.Warn("failed to publish membership snapshot", zap.Error(err))
	}

	samples := make([]metrics.Sample, 0, len(snapshot.Memberships))
	for _, membership := range snapshot.Memberships {
		samples = append(samples, metrics.Sample{
			Labels: metrics.Labels{
				Namespace:       r.cfg.Metrics.Namespace,
				UserGroup:       membership.Group,
				Username:        membership.User,
				UsernameEscaped: groups.Escape(membership.User),
			},
			Value: 1,
		})
	}
	r.membership.Replace(samples)

	r.logger.Info("membership refresh completed",
		zap.Int("groups", len(records)),
		zap.Int("users", len(snapshot.UserGroups)),
		zap.Int("multi_membership_users", len(snapshot.MultiMembershipUsers)),
		zap.Int("gauge_entries", len(samples)),
	)
	return nil
}

// RunUsageCycle executes one usage refresh tick for a single query: fetch
// the window [now-interval, now], join the samples against the latest
// snapshot, and swap the target gauge family.
func (r *Runtime) RunUsageCycle(ctx context.Context, spec usage.QuerySpec, interval time.Duration) error {
	now := r.Now()
	queried, err := r.queries.QueryRange(ctx, spec.Query, now.Add(-interval), now, interval)
	if err != nil {
		r.setQueryBackendHealthy(false)
		return err
	}
	r.setQueryBackendHealthy(true)

	snapshot, ok, err := r.snapshots.Latest(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Debug("no membership snapshot yet; usage samples will be unresolved",
			zap.String("metric", spec.Metric),
		)
	}

	joined := usage.Join(queried, snapshot)
	samples := make([]metrics.Sample, 0, len(joined))
	for _, sample := range joined {
		samples = append(samples, metrics.Sample{
			Labels: metrics.Labels{
				Namespace:       r.cfg.Metrics.Namespace,
				UserGroup:       sample.Group,
				Username:        sample.Username,
				UsernameEscaped: groups.Escape(sample.Username),
			},
			Value: sample.Value,
		})
	}
	r.families[spec.Metric].Replace(samples)

	r.logger.Debug("usage refresh completed",
		zap.String("metric", spec.Metric),
		zap.Int("series", len(queried)),
		zap.Int("joined_samples", len(samples)),
		zap.Time("window_start", now.Add(-interval)),
		zap.Time("window_end", now),
	)
	return nil
}

func (r *Runtime) setHubHealthy(healthy bool) {
	r.mu.Lock()
	r.hubHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) setQueryBackendHealthy(healthy bool) {
	r.mu.Lock()
	r.queryBackendHealthy = healthy
	r.mu.Unlock()
}
