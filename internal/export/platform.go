package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PlatformClient talks to the case-management platform's internal data
// API. It implements both DataSource and Masker: the same service owns
// the paginated extraction queries and the field-masking rules. The job's
// captured bearer token rides along on every call, never inspected here.
type PlatformClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPlatformClient builds a client for the given base URL.
func NewPlatformClient(baseURL string, timeout time.Duration) *PlatformClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &PlatformClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type countResponse struct {
	TotalCount int64 `json:"total_count"`
}

type fetchResponse struct {
	Data       []Record `json:"data"`
	TotalCount int64    `json:"total_count"`
}

type maskRequest struct {
	Records []Record `json:"records"`
	Role    string   `json:"role"`
	JobType string   `json:"job_type"`
}

type maskResponse struct {
	Records []Record `json:"records"`
}

// CountRecords asks the platform how many rows the query covers.
func (c *PlatformClient) CountRecords(ctx context.Context, q ChunkQuery) (int64, error) {
	var out countResponse
	if err := c.get(ctx, "/internal/export/count", q, 0, 0, &out); err != nil {
		return 0, err
	}
	return out.TotalCount, nil
}

// FetchChunk retrieves one page of rows in stable source order.
func (c *PlatformClient) FetchChunk(ctx context.Context, q ChunkQuery, offset, limit int64) ([]Record, error) {
	var out fetchResponse
	if err := c.get(ctx, "/internal/export/data", q, offset, limit, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// MaskRecords applies the platform's field-masking rules for the owning
// role.
func (c *PlatformClient) MaskRecords(ctx context.Context, records []Record, q ChunkQuery) ([]Record, error) {
	body, err := json.Marshal(maskRequest{Records: records, Role: q.OwnerRole, JobType: q.JobType})
	if err != nil {
		return nil, fmt.Errorf("encode mask request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/export/mask", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.Credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mask records: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("mask records: status %d", resp.StatusCode)
	}

	var out maskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode mask response: %w", err)
	}
	return out.Records, nil
}

func (c *PlatformClient) get(ctx context.Context, path string, q ChunkQuery, offset, limit int64, out any) error {
	params := url.Values{}
	params.Set("job_type", q.JobType)
	params.Set("role", q.OwnerRole)
	if q.Request.StartDate != "" {
		params.Set("start_date", q.Request.StartDate)
	}
	if q.Request.EndDate != "" {
		params.Set("end_date", q.Request.EndDate)
	}
	if limit > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
		params.Set("limit", strconv.FormatInt(limit, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+q.Credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
