// Package execute runs source code on a JDoodle-compatible remote execution
// service.
package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultEndpoint     = "https://api.jdoodle.com/v1/execute"
	DefaultVersionIndex = "3"
	DefaultTimeout      = 20 * time.Second
	maxResponseBytes    = 1 << 20
)

// ErrProvider is returned for every transport, status or decoding failure.
var ErrProvider = errors.New("execute: provider failure")

var ErrInvalidRequest = errors.New("execute: code and language are required")

type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	VersionIndex string
	Timeout      time.Duration
}

// Result mirrors the provider's response body.
type Result struct {
	Output     string `json:"output"`
	StatusCode int    `json:"statusCode"`
	Memory     string `json:"memory"`
	CPUTime    string `json:"cpuTime"`
}

type request struct {
	Script       string `json:"script"`
	Language     string `json:"language"`
	VersionIndex string `json:"versionIndex"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type Runner struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Runner {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.VersionIndex == "" {
		cfg.VersionIndex = DefaultVersionIndex
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Runner{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Run submits source once. Failures are not retried.
func (r *Runner) Run(ctx context.Context, source, language string) (*Result, error) {
	if source == "" || language == "" {
		return nil, ErrInvalidRequest
	}

	body, err := json.Marshal(request{
		Script:       source,
		Language:     language,
		VersionIndex: r.cfg.VersionIndex,
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProvider, err)
	}
	return &result, nil
}
