package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type client struct {
	base string
	http *http.Client
}

func newClient(opts *rootOptions) *client {
	return &client{
		base: strings.TrimRight(strings.TrimSpace(opts.server), "/"),
		http: &http.Client{Timeout: opts.timeout},
	}
}

// do sends body as JSON and decodes the response into out. Non-2xx bodies
// are still decoded; the status is returned for the caller to judge.
func (c *client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode HTTP %d response: %w", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}
