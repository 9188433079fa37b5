// Package catalog is the HTTP client for the Storage Service, the external
// system of record for users, devices and encrypted secrets.
//
// Retry policy: nothing on 4xx, two retries with exponential backoff on 5xx
// and connection errors. A circuit breaker sheds load when the store is
// down so callers fail fast instead of queueing on a dead dependency.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/model"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

const (
	requestTimeout = 10 * time.Second
	maxRetries     = 2
)

// Client talks to the catalog store.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// New creates a catalog client for the given base URL.
func New(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog-store",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log,
	}
}

// statusError distinguishes HTTP-level failures so the retry loop can skip
// client errors.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog store returned %d: %s", e.code, e.body)
}

// do performs a JSON request with retries and the circuit breaker, decoding
// a 2xx response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	operation := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.once(ctx, method, path, payload, out)
		})
		var se *statusError
		if err != nil {
			if ok := asStatusError(err, &se); ok && se.code < 500 {
				// 4xx is the caller's problem; retrying cannot help.
				return backoff.Permanent(err)
			}
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return err
	}
	return nil
}

func asStatusError(err error, target **statusError) bool {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
	}
	return nil
}

// MapError converts a catalog failure into the platform error envelope.
func MapError(err error) *httperr.Error {
	var se *statusError
	if asStatusError(err, &se) {
		switch se.code {
		case http.StatusNotFound:
			return httperr.New(httperr.CodeNotFound, "Resource not found")
		case http.StatusConflict:
			return httperr.New(httperr.CodeConflict, "Resource already exists")
		case http.StatusBadRequest:
			return httperr.New(httperr.CodeValidation, "Catalog store rejected the request")
		}
	}
	return httperr.New(httperr.CodeStorageService, "Catalog store unavailable")
}

// ---- users ----

// VerifyCredentials implements token.Directory against POST /users/verify.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) (*token.Principal, error) {
	var principal token.Principal
	err := c.do(ctx, http.MethodPost, "/api/v1/users/verify",
		map[string]string{"username": username, "password": password}, &principal)
	if err != nil {
		return nil, err
	}
	return &principal, nil
}

// GetUser returns the principal stored under id.
func (c *Client) GetUser(ctx context.Context, id string) (*token.Principal, error) {
	var principal token.Principal
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(id), nil, &principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

// ---- devices ----

// ListDevices queries devices matching the filter.
func (c *Client) ListDevices(ctx context.Context, f model.DeviceFilter) (*model.DeviceList, error) {
	q := url.Values{}
	if f.GroupID != "" {
		q.Set("groupId", f.GroupID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if len(f.Tags) > 0 {
		q.Set("tags", strings.Join(f.Tags, ","))
	}
	q.Set("limit", strconv.Itoa(f.Limit))
	q.Set("offset", strconv.Itoa(f.Offset))

	var list model.DeviceList
	if err := c.do(ctx, http.MethodGet, "/api/v1/storage/devices?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetDevice fetches one device by id.
func (c *Client) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var dev model.Device
	if err := c.do(ctx, http.MethodGet, "/api/v1/storage/devices/"+url.PathEscape(id), nil, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

// CreateDevice stores a new device record.
func (c *Client) CreateDevice(ctx context.Context, dev *model.Device) (*model.Device, error) {
	var created model.Device
	if err := c.do(ctx, http.MethodPost, "/api/v1/storage/devices", dev, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateDevice replaces mutable fields of an existing device.
func (c *Client) UpdateDevice(ctx context.Context, id string, dev *model.Device) (*model.Device, error) {
	var updated model.Device
	if err := c.do(ctx, http.MethodPut, "/api/v1/storage/devices/"+url.PathEscape(id), dev, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteDevice removes a device record.
func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/storage/devices/"+url.PathEscape(id), nil, nil)
}

// GetDecryptedConnectionInfo returns connection info with secrets in
// plaintext. Restricted to the probe engine; never exposed through the API.
func (c *Client) GetDecryptedConnectionInfo(ctx context.Context, deviceID string) (*model.ConnectionInfo, error) {
	var info model.ConnectionInfo
	path := "/api/v1/storage/devices/" + url.PathEscape(deviceID) + "/connection-info/decrypted"
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ping checks reachability for health aggregation.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
