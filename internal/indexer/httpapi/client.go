// Package httpapi is a REST client for a remote semantic-indexing service.
//
// Routes:
//
//	POST   /v1/containers                     {"name"}                 -> {"id"}
//	POST   /v1/containers/{id}/documents      {"text","metadata"}      -> {"operation_id"}
//	GET    /v1/operations/{id}                                         -> {"state","document_id","error"}
//	DELETE /v1/documents/{id}                                          -> 204, 404 tolerated
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/policy/ratelimit"
)

// Config configures the client.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit throttles calls to the service host.
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// Client implements corpus.Indexer over HTTP.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ corpus.Indexer = (*Client)(nil)

// New validates cfg and builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: indexer base url %q", corpus.ErrInvalidInput, cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: ratelimit.New(cfg.RateLimit, nil),
		logger:  logger.Named("indexer"),
	}, nil
}

type createContainerRequest struct {
	Name string `json:"name"`
}

type createContainerResponse struct {
	ID string `json:"id"`
}

// CreateContainer creates a document container named name.
func (c *Client) CreateContainer(ctx context.Context, name string) (string, error) {
	var out createContainerResponse
	if err := c.do(ctx, http.MethodPost, "/v1/containers", createContainerRequest{Name: name}, &out); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create container: %w: empty id", corpus.ErrTransient)
	}
	return out.ID, nil
}

type uploadRequest struct {
	Text     string                  `json:"text"`
	Metadata corpus.DocumentMetadata `json:"metadata"`
}

type uploadResponse struct {
	OperationID string `json:"operation_id"`
}

// Upload submits a document and returns the operation handle.
func (c *Client) Upload(ctx context.Context, containerID, text string, meta corpus.DocumentMetadata) (string, error) {
	var out uploadResponse
	p := "/v1/containers/" + url.PathEscape(containerID) + "/documents"
	if err := c.do(ctx, http.MethodPost, p, uploadRequest{Text: text, Metadata: meta}, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", meta.URL, err)
	}
	if out.OperationID == "" {
		return "", fmt.Errorf("upload %s: %w: empty operation id", meta.URL, corpus.ErrTransient)
	}
	return out.OperationID, nil
}

// GetOperation polls an upload operation.
func (c *Client) GetOperation(ctx context.Context, operationID string) (corpus.Operation, error) {
	var out corpus.Operation
	if err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(operationID), nil, &out); err != nil {
		return corpus.Operation{}, fmt.Errorf("get operation %s: %w", operationID, err)
	}
	switch out.State {
	case corpus.OperationProcessing, corpus.OperationActive, corpus.OperationFailed:
		return out, nil
	default:
		return corpus.Operation{}, fmt.Errorf("get operation %s: %w: unknown state %q", operationID, corpus.ErrTransient, out.State)
	}
}

// Delete removes a document; a missing document is not an error.
func (c *Client) Delete(ctx context.Context, documentID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(documentID), nil, nil)
	if errors.Is(err, corpus.ErrNotFound) {
		c.logger.Debug("document already absent", zap.String("document_id", documentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	target := c.base.JoinPath(p).String()
	if err := c.limiter.Wait(ctx, target); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", corpus.ErrTransient, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", corpus.ErrTransient, err)
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an HTTP status onto the corpus error taxonomy.
func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := strings.TrimSpace(eb.Message)
	if msg == "" {
		msg = strings.TrimSpace(eb.Error)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	lower := strings.ToLower(msg)

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", corpus.ErrNotFound, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: status %d: %s", corpus.ErrPermanent, status, msg)
	case strings.Contains(lower, "quota"):
		return fmt.Errorf("%w: status %d: %s", corpus.ErrPermanent, status, msg)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return fmt.Errorf("%w: status %d: %s", corpus.ErrTransient, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", corpus.ErrPermanent, status, msg)
	}
}
