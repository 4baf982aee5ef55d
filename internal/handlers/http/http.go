package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
)

// HTTP calls a URL. Kwargs: {"url","method","headers","body","timeout"}; a
// single positional argument is taken as the URL of a GET.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func parseRequest(t domain.Task) (Request, error) {
	var req Request
	if len(t.Kwargs) > 0 {
		if err := json.Unmarshal(t.Kwargs, &req); err != nil {
			return Request{}, fmt.Errorf("invalid http kwargs: %w", err)
		}
	}
	if req.URL == "" && len(t.Args) > 0 {
		var args []string
		if err := json.Unmarshal(t.Args, &args); err != nil {
			return Request{}, fmt.Errorf("invalid http args: %w", err)
		}
		if len(args) > 0 {
			req.URL = args[0]
		}
	}
	if req.URL == "" {
		return Request{}, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	return req, nil
}

func (h HTTP) Handle(ctx context.Context, t domain.Task) error {
	req, err := parseRequest(t)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: HTTP %d: %s", req.Method, req.URL, resp.StatusCode, respBody)
	}
	log.Debug().Str("task_id", t.ID).Str("url", req.URL).Int("status", resp.StatusCode).Msg("http task done")
	return nil
}
