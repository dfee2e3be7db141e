package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Labels is the fixed label schema shared by every exported gauge family.
// Keeping it a struct instead of ad-hoc maps means a label-schema drift is a
// compile error, not a scrape-time surprise.
type Labels struct {
	Namespace       string
	UserGroup       string
	Username        string
	UsernameEscaped string
}

var labelNames = []string{"namespace", "usergroup", "username", "username_escaped"}

// Sample is one labeled gauge value.
type Sample struct {
	Labels Labels
	Value  float64
}

// Family is a gauge family whose entire sample set is replaced atomically.
// A refresh tick builds the new slice off to the side and swaps it in with
// one pointer store, so a concurrent scrape sees either the old set or the
// new set, never a half-cleared one.
type Family struct {
	name    string
	desc    *prometheus.Desc
	samples atomic.Pointer[[]Sample]
}

// Name returns the fully qualified metric name.
func (f *Family) Name() string {
	return f.name
}

// Replace swaps in a new complete sample set, discarding the previous one.
func (f *Family) Replace(samples []Sample) {
	f.samples.Store(&samples)
}

// Samples returns the currently published sample set.
func (f *Family) Samples() []Sample {
	current := f.samples.Load()
	if current == nil {
		return nil
	}
	return *current
}

// Describe implements prometheus.Collector.
func (f *Family) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.desc
}

// Collect implements prometheus.Collector.
func (f *Family) Collect(ch chan<- prometheus.Metric) {
	for _, sample := range f.Samples() {
		metric, err := prometheus.NewConstMetric(
			f.desc,
			prometheus.GaugeValue,
			sample.Value,
			sample.Labels.Namespace,
			sample.Labels.UserGroup,
			sample.Labels.Username,
			sample.Labels.UsernameEscaped,
		)
		if err != nil {
			continue
		}
		ch <- metric
	}
}

// Registry owns the gauge families of one exporter instance. Each instance
// carries its own prometheus registry so independent instances can coexist
// in tests.
type Registry struct {
	prefix   string
	registry *prometheus.Registry

	mu       sync.Mutex
	families map[string]*Family
}

// NewRegistry creates a registry whose families are prefixed with the given
// metrics namespace (e.g. "jupyterhub").
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:   prefix,
		registry: prometheus.NewRegistry(),
		families: make(map[string]*Family),
	}
}

// Family returns the gauge family for name, creating and registering it on
// first use. The returned family is shared across callers.
func (r *Registry) Family(name, help string) *Family {
	r.mu.Lock()
	defer r.mu.Unlock()

	if family, ok := r.families[name]; ok {
		return family
	}

	qualified := name
	if r.prefix != "" {
		qualified = fmt.Sprintf("%s_%s", r.prefix, name)
	}
	family := &Family{
		name: qualified,
		desc: prometheus.NewDesc(qualified, help, labelNames, nil),
	}
	r.registry.MustRegister(family)
	r.families[name] = family
	return family
}

// Handler returns the text exposition handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry's gather function for tests.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.registry
}
