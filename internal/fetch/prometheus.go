package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/datasync/pkg/types"
)

type promFetcher struct {
	endpoint string
	client   *http.Client
}

// Fetch scrapes the exposition endpoint and returns, per metric family, the
// sum of all series whose labels match filters.
func (f *promFetcher) Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error) {
	mfs, err := fetchMetrics(ctx, f.client, f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("prometheus fetch %s: %w", dataType, err)
	}

	matchers := make(map[string]string, len(filters))
	for k, v := range filters {
		matchers[k] = filterValue(v)
	}

	out := make(map[string]float64, len(mfs))
	for name, mf := range mfs {
		if v, ok := sumMatching(mf, matchers); ok {
			out[name] = v
		}
	}
	return out, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(io.LimitReader(resp.Body, maxBodyBytes))
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumMatching adds up the counter, gauge and untyped values of the series in
// mf whose labels carry every matcher value. ok is false when no series
// matched, so families that are absent under the filters are left out.
func sumMatching(mf *dto.MetricFamily, matchers map[string]string) (total float64, ok bool) {
	if mf == nil {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		if !labelsMatch(m.GetLabel(), matchers) {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		default:
			continue
		}
		ok = true
	}
	return total, ok
}

func labelsMatch(labels []*dto.LabelPair, matchers map[string]string) bool {
	for name, want := range matchers {
		found := false
		for _, lp := range labels {
			if lp.GetName() == name {
				found = lp.GetValue() == want
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
