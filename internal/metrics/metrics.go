// Package metrics exports the pipeline's counters in the Prometheus text
// format. Values are read from the components on every scrape; nothing is
// cached here.
package metrics

import (
	"io"
	"net/http"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/spinspeeder/spinspeeder/internal/ingest"
	"github.com/spinspeeder/spinspeeder/internal/publish"
	"github.com/spinspeeder/spinspeeder/internal/session"
)

// Namespace prefixes every metric name.
const Namespace = "spinspeeder"

// Source produces metric families at scrape time.
type Source func() []*dto.MetricFamily

// Registry collects Sources.
type Registry struct {
	mu      sync.Mutex
	sources []Source
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds src.
func (r *Registry) Register(src Source) {
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.mu.Unlock()
}

// Gather returns every family, sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	srcs := append([]Source(nil), r.sources...)
	r.mu.Unlock()

	var out []*dto.MetricFamily
	for _, src := range srcs {
		out = append(out, src()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteText writes all families in the text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP serves the text exposition.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err := r.WriteText(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Counter builds a single-sample counter family.
func Counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(Namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

// Gauge builds a single-sample gauge family.
func Gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(Namespace + "_" + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

// Pipeline exports the frame counters of p.
func Pipeline(p *ingest.Pipeline) Source {
	return func() []*dto.MetricFamily {
		st := p.Stats()
		return []*dto.MetricFamily{
			Counter("frames_processed_total", "Frames run through the tracker.", float64(st.Frames)),
			Counter("detections_total", "Frames with a detected moving ball.", float64(st.Detections)),
			Counter("malformed_results_total", "Tracker results that could not be adapted.", float64(st.Malformed)),
			Counter("tracker_errors_total", "Tracker calls that failed or panicked.", float64(st.TrackerErrors)),
			Counter("frames_superseded_total", "Waiting frames replaced by a newer one.", float64(st.Superseded)),
			Counter("measurements_ignored_total", "Measurements the session did not accept.", float64(st.Ignored)),
		}
	}
}

// Publisher exports the delivery counters of p.
func Publisher(p *publish.Publisher) Source {
	return func() []*dto.MetricFamily {
		st := p.Stats()
		return []*dto.MetricFamily{
			Counter("snapshots_published_total", "Snapshots accepted for delivery.", float64(st.Published)),
			Counter("snapshots_delivered_total", "Snapshots handed to subscribers.", float64(st.Delivered)),
			Counter("snapshots_coalesced_total", "Snapshots replaced before delivery.", float64(st.Coalesced)),
			Counter("snapshots_stale_total", "Snapshots rejected as older than one already accepted.", float64(st.Stale)),
		}
	}
}

// Session exports the state of m's current session. Status is -1 with no
// session, otherwise the session.Status value.
func Session(m *session.Manager) Source {
	return func() []*dto.MetricFamily {
		status, maxSpeed, maxRot, balls := -1.0, 0.0, 0.0, 0.0
		if s, err := m.Snapshot(); err == nil {
			status = float64(s.Status)
			maxSpeed, maxRot = s.MaxSpeed, s.MaxRotationRate
			balls = float64(s.DistinctBallCount)
		}
		return []*dto.MetricFamily{
			Gauge("session_status", "Current session status (-1 none, 0 searching, 1 tracking, 2 finalized).", status),
			Gauge("session_max_speed", "Session maximum speed in tracker units per second.", maxSpeed),
			Gauge("session_max_rotation_rate", "Session maximum rotation rate in radians per second.", maxRot),
			Gauge("session_balls", "Session distinct ball count.", balls),
			Counter("measurements_dropped_total", "Measurements that arrived with no session.", float64(m.Dropped())),
		}
	}
}

// Clients exports a connected-client gauge read from count.
func Clients(count func() int) Source {
	return func() []*dto.MetricFamily {
		return []*dto.MetricFamily{
			Gauge("ws_clients", "Connected WebSocket clients.", float64(count())),
		}
	}
}
