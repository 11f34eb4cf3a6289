package api

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/datasync/pkg/types"
)

const metricsPrefix = "datasync_"

// metrics returns GET /metrics in the Prometheus text exposition format.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.WriteHeader(http.StatusOK)
	for _, mf := range h.families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			h.deps.Logger.Warn("api: write metrics", "err", err)
			return
		}
	}
}

func (h *Handler) families() []*dto.MetricFamily {
	cs := h.deps.Cache.Stats()
	js := h.deps.Jobs.Stats()

	out := []*dto.MetricFamily{
		gauge("cache_entries", "Live entries in the shared cache.", float64(cs.Entries)),
		counter("cache_hits_total", "Cache lookups that found a live entry.", float64(cs.Hits)),
		counter("cache_misses_total", "Cache lookups that found nothing usable.", float64(cs.Misses)),
		counter("cache_evictions_total", "Entries removed by expiry or capacity.", float64(cs.Evictions)),
		gauge("cache_memory_estimate_bytes", "Approximate serialized size of cached values.", float64(cs.MemoryEstimate)),
		gauge("scheduler_jobs", "Registered polling jobs.", float64(js.Jobs)),
		gauge("scheduler_running_jobs", "Jobs with a refresh cycle in flight.", float64(js.Running)),
		counter("scheduler_success_total", "Successful refresh cycles across all jobs.", float64(js.SuccessCount)),
		counter("scheduler_errors_total", "Refresh cycles that exhausted their retries.", float64(js.Errors)),
	}

	if h.deps.Conn != nil {
		rs := h.deps.Conn.Stats()
		connected := 0.0
		if h.deps.Conn.Status() == types.Connected {
			connected = 1
		}
		out = append(out,
			gauge("realtime_connected", "1 while the push channel is connected.", connected),
			counter("realtime_messages_received_total", "Push messages received.", float64(rs.Received)),
			counter("realtime_messages_dropped_total", "Push messages that could not be decoded.", float64(rs.Dropped)),
			counter("realtime_reconnects_total", "Reconnect attempts made by the push channel.", float64(rs.Reconnects)),
		)
	}

	widgets := h.deps.Widgets.List()
	if len(widgets) == 0 {
		return out
	}
	errFam := family("widget_error", "1 while the widget shows an error.", dto.MetricType_GAUGE)
	updFam := family("widget_last_updated_seconds", "Unix time of the widget's last applied value.", dto.MetricType_GAUGE)
	for _, wd := range widgets {
		v := wd.View()
		labels := []*dto.LabelPair{
			{Name: proto.String("widget"), Value: proto.String(v.ID)},
			{Name: proto.String("data_type"), Value: proto.String(v.DataType)},
		}
		hasErr := 0.0
		if v.Error != "" {
			hasErr = 1
		}
		errFam.Metric = append(errFam.Metric, &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(hasErr)}})
		if !v.LastUpdated.IsZero() {
			ts := float64(v.LastUpdated.UnixNano()) / 1e9
			updFam.Metric = append(updFam.Metric, &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: proto.Float64(ts)}})
		}
	}
	out = append(out, errFam)
	if len(updFam.Metric) > 0 {
		out = append(out, updFam)
	}
	return out
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricsPrefix + name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	mf := family(name, help, dto.MetricType_GAUGE)
	mf.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
	return mf
}

func counter(name, help string, v float64) *dto.MetricFamily {
	mf := family(name, help, dto.MetricType_COUNTER)
	mf.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
	return mf
}
