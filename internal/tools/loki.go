package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// LokiQuery queries Loki for log entries matching a LogQL expression.
type LokiQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewLokiQuery creates a new Loki query tool with the given endpoint and tenant ID.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: newToolHTTPClient(),
	}
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func (l *LokiQuery) Name() string { return "query_logs" }

func (l *LokiQuery) Description() string {
	return `Query Loki for log entries using LogQL. Use this to search for logs from specific
hosts, services, or time ranges when investigating an anomaly: errors before or during the
incident, and surrounding context that explains the root cause.

Common label selectors: {node="hostname"}, {job="systemd-journal"}, {service_name="myservice"}
Line filters: {node="hostname"} |= "error" or {node="hostname"} |~ "OOM|killed"
Maximum query range is 6 hours per query; for longer investigations make multiple queries.

Prefer exact string matches (|= "exact") over regex (|~); short common substrings in regex
alternations match too broadly and cause timeouts.`
}

func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "LogQL query expression. Example: {service_name=\"api\"} |= \"error\""
            },
            "start": {
                "type": "string",
                "description": "Start time (RFC3339). Defaults to 1 hour ago."
            },
            "end": {
                "type": "string",
                "description": "End time (RFC3339). Defaults to now."
            },
            "limit": {
                "type": "integer",
                "description": "Maximum number of log lines to return. Default 100, max 500."
            }
        },
        "required": ["query"]
    }`)
}

// parseLokiInput validates params, fills time defaults, clamps the limit,
// and caps the query range to 6 hours.
func parseLokiInput(params json.RawMessage) (lokiInput, error) {
	var input lokiInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return input, fmt.Errorf("query is required")
	}

	switch {
	case input.Limit <= 0:
		input.Limit = 100
	case input.Limit > 500:
		input.Limit = 500
	}

	now := time.Now().UTC()
	if input.Start == "" {
		input.Start = now.Add(-1 * time.Hour).Format(time.RFC3339Nano)
	}
	if input.End == "" {
		input.End = now.Format(time.RFC3339Nano)
	}

	startTime, _ := time.Parse(time.RFC3339, input.Start)
	endTime, _ := time.Parse(time.RFC3339, input.End)
	if endTime.Sub(startTime) > 6*time.Hour {
		input.Start = endTime.Add(-6 * time.Hour).Format(time.RFC3339Nano)
	}

	return input, nil
}

// Execute performs the Loki range query and flattens the streams into a
// bounded list of log lines.
func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseLokiInput(params)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	q.Set("end", input.End)
	q.Set("limit", fmt.Sprintf("%d", input.Limit))
	q.Set("direction", "backward")

	body, err := getJSON(ctx, l.httpClient, l.endpoint, "loki/api/v1/query_range", l.tenantID, q)
	if err != nil {
		return nil, fmt.Errorf("loki: %w", err)
	}

	var lokiResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string       `json:"resultType"`
			Result     []lokiStream `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return body, nil
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, input.Limit)
	return json.Marshal(map[string]any{
		"line_count": len(lines),
		"lines":      lines,
	})
}

// flattenStreams merges stream values into a single list, attaching stream
// labels to the first line of each stream only to keep output compact.
func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)
	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{Timestamp: entry[0], Line: entry[1]}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}
