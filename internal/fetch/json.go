package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/obsidianstack/datasync/pkg/types"
)

type jsonFetcher struct {
	endpoint string
	client   *http.Client
}

// Fetch requests endpoint?dataType=<dataType>&<filters> and returns the body
// as raw JSON.
func (f *jsonFetcher) Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("json fetch %s: parse endpoint: %w", dataType, err)
	}
	q := u.Query()
	q.Set("dataType", dataType)
	for k, v := range filters {
		q.Set(k, filterValue(v))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("json fetch %s: build request: %w", dataType, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("json fetch %s: http get: %w", dataType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("json fetch %s: unexpected status %d", dataType, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("json fetch %s: read body: %w", dataType, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("json fetch %s: response is not valid JSON", dataType)
	}
	return json.RawMessage(body), nil
}
