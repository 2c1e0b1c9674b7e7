package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpMaxResponseBytes = 10 << 20

// HTTP performs an HTTP request described by the node parameters:
//
//	url     (string, required)
//	method  (string, default GET)
//	headers (map[string]any)
//	query   (map[string]any, appended to the URL)
//	body    (any, JSON-encoded when present)
//
// The result map holds status_code, headers, and data. A JSON response
// body is decoded; anything else is returned as a string. Non-2xx
// status codes are results, not errors, so workflows can branch on
// them.
func HTTP(client *http.Client) Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Func{
		ToolName: "http",
		Desc:     "Performs an HTTP request and returns status, headers, and decoded body.",
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			return invokeHTTP(ctx, client, params)
		},
	}
}

func invokeHTTP(ctx context.Context, client *http.Client, params map[string]any) (any, error) {
	rawURL, ok := params["url"].(string)
	if !ok || rawURL == "" {
		return nil, fmt.Errorf("missing string parameter %q", "url")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if query, ok := params["query"].(map[string]any); ok && len(query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	var reqBody io.Reader
	if body, ok := params["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var data any
	if json.Unmarshal(raw, &data) != nil {
		data = string(raw)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"data":        data,
	}, nil
}
