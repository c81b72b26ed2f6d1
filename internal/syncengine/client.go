package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to the baletrack server's REST API. Every request carries the
// bearer token when one is configured. Status codes are passed through to
// the engine, which owns the retry taxonomy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds an API client for baseURL, e.g. "http://server:8080".
// token may be empty when the server runs without authentication.
func NewClient(baseURL string, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// HealthURL is the endpoint the connectivity probe should hit.
func (c *Client) HealthURL() string {
	return c.baseURL + "/api/health"
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func decodeInto(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// FetchBales retrieves the full authoritative snapshot.
func (c *Client) FetchBales(ctx context.Context) ([]datamodel.Bale, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/bales", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return nil, fmt.Errorf("snapshot fetch returned status %d", resp.StatusCode)
	}
	var bales []datamodel.Bale
	if err := decodeInto(resp, &bales); err != nil {
		return nil, err
	}
	return bales, nil
}

// FetchBale retrieves one canonical record. The status code is returned so
// the caller can distinguish 404 from transport failure.
func (c *Client) FetchBale(ctx context.Context, id string) (datamodel.Bale, int, error) {
	// Seasons contain a slash ("25/26"), so identifiers must be escaped.
	resp, err := c.do(ctx, http.MethodGet, "/api/bales/"+url.PathEscape(id), nil)
	if err != nil {
		return datamodel.Bale{}, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return datamodel.Bale{}, resp.StatusCode, nil
	}
	var bale datamodel.Bale
	if err := decodeInto(resp, &bale); err != nil {
		return datamodel.Bale{}, resp.StatusCode, err
	}
	return bale, resp.StatusCode, nil
}

// CreateBale posts a single bale. On 201 the returned record is the
// server-canonical one, which may carry a different identifier than the
// local placeholder.
func (c *Client) CreateBale(ctx context.Context, payload datamodel.CreatePayload) (datamodel.Bale, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/bales", payload)
	if err != nil {
		return datamodel.Bale{}, 0, err
	}
	if resp.StatusCode != http.StatusCreated {
		drainBody(resp)
		return datamodel.Bale{}, resp.StatusCode, nil
	}
	var bale datamodel.Bale
	if err := decodeInto(resp, &bale); err != nil {
		return datamodel.Bale{}, resp.StatusCode, err
	}
	return bale, resp.StatusCode, nil
}

// PatchStatus transitions one bale's lifecycle status.
func (c *Client) PatchStatus(ctx context.Context, id string, status datamodel.BaleStatus) (int, error) {
	body := map[string]datamodel.BaleStatus{"status": status}
	resp, err := c.do(ctx, http.MethodPatch, "/api/bales/"+url.PathEscape(id)+"/status", body)
	if err != nil {
		return 0, err
	}
	drainBody(resp)
	return resp.StatusCode, nil
}

// BatchCreate creates a season-scoped batch. Resubmitting the same request
// with explicit numbers is idempotent server-side.
func (c *Client) BatchCreate(ctx context.Context, req datamodel.BatchCreateRequest) (datamodel.BatchCreateResponse, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/bales/batch", req)
	if err != nil {
		return datamodel.BatchCreateResponse{}, 0, err
	}
	if resp.StatusCode != http.StatusCreated {
		drainBody(resp)
		return datamodel.BatchCreateResponse{}, resp.StatusCode, nil
	}
	var out datamodel.BatchCreateResponse
	if err := decodeInto(resp, &out); err != nil {
		return datamodel.BatchCreateResponse{}, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

// FetchCounter reads the server-side sequence counter for a season so the
// agent can mirror it for offline numbering.
func (c *Client) FetchCounter(ctx context.Context, season string) (datamodel.SeasonCounter, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/counters/"+url.PathEscape(season), nil)
	if err != nil {
		return datamodel.SeasonCounter{}, err
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return datamodel.SeasonCounter{}, fmt.Errorf("counter fetch returned status %d", resp.StatusCode)
	}
	var counter datamodel.SeasonCounter
	if err := decodeInto(resp, &counter); err != nil {
		return datamodel.SeasonCounter{}, err
	}
	return counter, nil
}
