package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const successStatus = "success"

// maxSeriesResults caps how many series a metrics tool returns so a broad
// query cannot blow the model's context window.
const maxSeriesResults = 50

// PrometheusQuery runs instant PromQL queries against a Prometheus or
// Mimir endpoint.
type PrometheusQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQuery creates an instant-query tool for the given endpoint.
func NewPrometheusQuery(endpoint, tenantID string) *PrometheusQuery {
	return &PrometheusQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: newToolHTTPClient(),
	}
}

func (p *PrometheusQuery) Name() string { return "query_metrics" }

func (p *PrometheusQuery) Description() string {
	return `Query Prometheus/Mimir metrics using PromQL. Use this to check current
resource usage, inspect label metadata, and correlate an anomaly with raw metric data.
Returns instant query results with labels and values.`
}

func (p *PrometheusQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression"
            },
            "time": {
                "type": "string",
                "description": "Evaluation timestamp (RFC3339). Omit for current time."
            }
        },
        "required": ["query"]
    }`)
}

// Execute runs the instant query and returns a slimmed-down result set.
func (p *PrometheusQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Time  string `json:"time,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	q := url.Values{}
	q.Set("query", input.Query)
	if input.Time != "" {
		q.Set("time", input.Time)
	}

	body, err := getJSON(ctx, p.httpClient, p.endpoint, "api/v1/query", p.tenantID, q)
	if err != nil {
		return nil, fmt.Errorf("prometheus: %w", err)
	}
	return slimPromResponse(body)
}

// slimPromResponse parses a Prometheus API response and caps the result
// series count. The raw body is returned untouched if it does not parse.
func slimPromResponse(body []byte) (json.RawMessage, error) {
	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string            `json:"resultType"`
			Result     []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil
	}
	if promResp.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := false
	if len(results) > maxSeriesResults {
		results = results[:maxSeriesResults]
		truncated = true
	}

	return json.Marshal(map[string]any{
		"result_type":  promResp.Data.ResultType,
		"result_count": len(promResp.Data.Result),
		"results":      results,
		"truncated":    truncated,
	})
}

// PrometheusQueryRange runs ranged PromQL queries for trend analysis.
type PrometheusQueryRange struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQueryRange creates a range-query tool for the given endpoint.
func NewPrometheusQueryRange(endpoint, tenantID string) *PrometheusQueryRange {
	return &PrometheusQueryRange{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: newToolHTTPClient(),
	}
}

func (p *PrometheusQueryRange) Name() string { return "query_metrics_range" }

func (p *PrometheusQueryRange) Description() string {
	return `Query Prometheus/Mimir metrics over a time range using PromQL. Use this to see
trends, check how a metric changed over time, and identify when a problem started.
Returns a series of timestamped values for each matching time series.`
}

func (p *PrometheusQueryRange) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression"
            },
            "start": {
                "type": "string",
                "description": "Range start time (RFC3339)."
            },
            "end": {
                "type": "string",
                "description": "Range end time (RFC3339). Omit for current time."
            },
            "step": {
                "type": "string",
                "description": "Query resolution step in seconds (e.g. 60, 300). Default 300."
            }
        },
        "required": ["query", "start"]
    }`)
}

// Execute runs the range query and returns a slimmed-down result set.
func (p *PrometheusQueryRange) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Start string `json:"start"`
		End   string `json:"end,omitempty"`
		Step  string `json:"step,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if input.Start == "" {
		return nil, fmt.Errorf("start is required")
	}

	q := url.Values{}
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	if input.End != "" {
		q.Set("end", input.End)
	} else {
		q.Set("end", time.Now().UTC().Format(time.RFC3339))
	}
	if input.Step != "" {
		q.Set("step", input.Step)
	} else {
		q.Set("step", "300")
	}

	body, err := getJSON(ctx, p.httpClient, p.endpoint, "api/v1/query_range", p.tenantID, q)
	if err != nil {
		return nil, fmt.Errorf("prometheus: %w", err)
	}
	return slimPromResponse(body)
}
