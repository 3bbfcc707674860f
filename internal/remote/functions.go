package remote

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

// Sentinel errors for HTTP error classes returned by the function endpoint.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Functions calls a single multiplexed HTTPS function endpoint: every
// operation is a POST of {action, schoolId, data} answered with
// {success, data, error}.
type Functions struct {
	URL    string
	APIKey string
	HTTP   *http.Client
}

// NewFunctions creates a client for the function endpoint at url.
func NewFunctions(url, apiKey string) *Functions {
	return &Functions{
		URL:    url,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Invoke posts req to the endpoint.
func (f *Functions) Invoke(ctx context.Context, req Request) Result {
	res, err := f.do(ctx, req)
	if err != nil {
		return Fail(err)
	}
	if !res.Success && res.Error == "" {
		res.Error = "remote reported failure"
	}
	return res
}

func (f *Functions) do(ctx context.Context, req Request) (Result, error) {
	var res Result
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	resp, err := f.HTTP.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// The endpoint may still answer with a structured error.
		if json.Unmarshal(respBody, &res) == nil && res.Error != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return res, fmt.Errorf("%w: %s", ErrUnauthorized, res.Error)
			case http.StatusForbidden:
				return res, fmt.Errorf("%w: %s", ErrForbidden, res.Error)
			}
			return res, fmt.Errorf("HTTP %d: %s", resp.StatusCode, res.Error)
		}
		return res, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	if err := json.Unmarshal(respBody, &res); err != nil {
		return res, fmt.Errorf("unmarshal response: %w", err)
	}
	return res, nil
}

// Ping checks that the endpoint answers at all. Any HTTP response counts as
// reachable; only transport failures do not.
func (f *Functions) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, f.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	resp.Body.Close()
	return nil
}
