// Package exporter pulls inventory payloads from software-inventory-exporter
// units over plain HTTP.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/canonical/software-inventory-collector/internal/config"
	"github.com/canonical/software-inventory-collector/internal/httputil"
	"github.com/canonical/software-inventory-collector/internal/logging"
)

var log = logging.L("exporter")

// Kinds are the payload endpoints every exporter unit serves, in collection
// order. Each becomes one member in the model bundle.
var Kinds = []string{"dpkg", "snap", "kernel"}

// maxPayloadBytes caps one payload response. dpkg lists on a busy host run
// to a few MB; anything near the cap is a misbehaving endpoint.
const maxPayloadBytes = 32 << 20

// Payload is one inventory document fetched from a target, stored exactly
// as the exporter served it.
type Payload struct {
	Kind     string
	Hostname string
	Model    string
	Body     []byte
}

// StatusError reports a non-200 answer from an exporter endpoint.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered status %d", e.URL, e.StatusCode)
}

type Client struct {
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// NewClient returns a client for exporter units. The timeout applies to
// each attempt, not the whole retry budget.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      httputil.DefaultRetryConfig(),
	}
}

func endpointURL(target config.Target, kind string) string {
	return fmt.Sprintf("http://%s/%s", target.Endpoint, kind)
}

// Fetch pulls one payload kind from the target. The body is kept
// byte-identical to the exporter response so the archived copy parses to
// the same document the exporter serves.
func (c *Client) Fetch(ctx context.Context, target config.Target, kind string) (Payload, error) {
	url := endpointURL(target, kind)

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, url, nil, nil, c.retry)
	if err != nil {
		return Payload{}, fmt.Errorf("fetching %s from %s: %w", kind, target.Endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return Payload{}, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := httputil.ReadBody(resp, maxPayloadBytes)
	if err != nil {
		return Payload{}, fmt.Errorf("fetching %s from %s: %w", kind, target.Endpoint, err)
	}
	if !json.Valid(body) {
		return Payload{}, fmt.Errorf("fetching %s from %s: response is not valid JSON", kind, target.Endpoint)
	}

	log.Debug("fetched payload",
		"kind", kind,
		"target", target.Hostname,
		"bytes", len(body),
	)
	return Payload{
		Kind:     kind,
		Hostname: target.Hostname,
		Model:    target.Model,
		Body:     body,
	}, nil
}

// FetchAll pulls every payload kind from the target, in Kinds order. The
// first failure aborts: a target that cannot serve all kinds produces no
// partial bundle entries.
func (c *Client) FetchAll(ctx context.Context, target config.Target) ([]Payload, error) {
	payloads := make([]Payload, 0, len(Kinds))
	for _, kind := range Kinds {
		p, err := c.Fetch(ctx, target, kind)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// Ping verifies every payload endpoint on the target answers 200. The dry
// run uses it to report unreachable targets without archiving anything.
func (c *Client) Ping(ctx context.Context, target config.Target) error {
	for _, kind := range Kinds {
		url := endpointURL(target, kind)
		resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, url, nil, nil, c.retry)
		if err != nil {
			return fmt.Errorf("probing %s: %w", url, err)
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}
	}
	return nil
}
