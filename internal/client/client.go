// Package client is a Go client for the keyforge HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/keyforge/internal/errdefs"
	"github.com/wolfeidau/keyforge/internal/lifecycle"
	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/pki"
	"github.com/wolfeidau/keyforge/internal/server"
)

const maxResponseBytes = 10 << 20

// Config holds common client configuration
type Config struct {
	ServerURL string
	Token     string
	Timeout   time.Duration

	// CacheDir persists cached JWKS documents on disk. Empty caches in memory.
	CacheDir string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "https://localhost:8443",
		Timeout:   30 * time.Second,
	}
}

// APIError is a non-2xx response. It unwraps to the matching errdefs sentinel
// so callers can use errors.Is(err, errdefs.ErrNotFound).
type APIError struct {
	StatusCode int
	Code       string
	Field      string
	Message    string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s: %s (%s)", e.StatusCode, e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return errdefs.ErrValidation
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		switch e.Code {
		case "already_exists":
			return errdefs.ErrAlreadyExists
		case "already_revoked":
			return errdefs.ErrAlreadyRevoked
		}
		return errdefs.ErrConflict
	case http.StatusForbidden:
		return errdefs.ErrForbidden
	case server.StatusClientClosedRequest:
		return errdefs.ErrCancelled
	}
	return nil
}

// Client calls the keyforge API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	jwks    *http.Client
}

// New creates a client for cfg.ServerURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", cfg.ServerURL)
	}

	jwks := NewCachingHTTPClient(cfg.CacheDir)
	jwks.Timeout = cfg.Timeout

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		jwks:    jwks,
	}, nil
}

// ListGroups returns every group ordered by code.
func (c *Client) ListGroups(ctx context.Context) ([]*models.Group, error) {
	var groups []*models.Group
	return groups, c.do(ctx, http.MethodGet, "/api/v1/groups", nil, &groups)
}

// GetGroup returns a group by code.
func (c *Client) GetGroup(ctx context.Context, code string) (*models.Group, error) {
	var group models.Group
	if err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(code), nil, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// CreateGroup creates a group.
func (c *Client) CreateGroup(ctx context.Context, group *models.Group) (*models.Group, error) {
	var created models.Group
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups", groupRequest(group), &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateGroup replaces the policy of an existing group.
func (c *Client) UpdateGroup(ctx context.Context, group *models.Group) (*models.Group, error) {
	var updated models.Group
	if err := c.do(ctx, http.MethodPut, "/api/v1/groups/"+url.PathEscape(group.Code), groupRequest(group), &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ApplyGroup creates the group or updates it when it already exists.
func (c *Client) ApplyGroup(ctx context.Context, group *models.Group) (*models.Group, bool, error) {
	created, err := c.CreateGroup(ctx, group)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, errdefs.ErrAlreadyExists) {
		return nil, false, err
	}
	updated, err := c.UpdateGroup(ctx, group)
	return updated, false, err
}

// DeleteGroup deletes a group with no active certificates.
func (c *Client) DeleteGroup(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/groups/"+url.PathEscape(code), nil, nil)
}

// Issue mints a new key under a group. validDays overrides the group policy when set.
func (c *Client) Issue(ctx context.Context, code string, validDays *int) (*models.Certificate, error) {
	var cert models.Certificate
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(code)+"/certificates",
		server.IssueRequest{ValidDays: validDays}, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// Rotate runs rotation for a group.
func (c *Client) Rotate(ctx context.Context, code string) (*lifecycle.RotationResult, error) {
	var result lifecycle.RotationResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(code)+"/rotate", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RotationStatus evaluates a group's rotation state without rotating.
func (c *Client) RotationStatus(ctx context.Context, code string) (*lifecycle.RotationStatus, error) {
	var status lifecycle.RotationStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(code)+"/rotation", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SigningKey returns the group's current signing key as a single key JWKS.
func (c *Client) SigningKey(ctx context.Context, code string) (*pki.JWKS, error) {
	var jwks pki.JWKS
	if err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(code)+"/signing-key", nil, &jwks); err != nil {
		return nil, err
	}
	return &jwks, nil
}

// Sign signs payload with a group key. An empty kid selects the current key.
func (c *Client) Sign(ctx context.Context, code, kid string, payload []byte) (*lifecycle.SignResult, error) {
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	req := server.SignPayloadRequest{
		Kid:             kid,
		Payload:         &encoded,
		PayloadEncoding: string(pki.EncodingBase64URL),
	}

	var result lifecycle.SignResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(code)+"/sign", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SignCSR signs a PEM CSR, under a group when groupCode is set.
func (c *Client) SignCSR(ctx context.Context, req server.SignCSRRequest) (*models.Certificate, error) {
	var cert models.Certificate
	if err := c.do(ctx, http.MethodPost, "/api/v1/csr/sign", req, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// GenerateKey generates an ad-hoc key pair and optionally a CSR.
func (c *Client) GenerateKey(ctx context.Context, req server.GenerateKeyRequest) (*lifecycle.GenerateResult, error) {
	var result lifecycle.GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCertificate returns a certificate by kid.
func (c *Client) GetCertificate(ctx context.Context, kid string) (*models.Certificate, error) {
	var cert models.Certificate
	if err := c.do(ctx, http.MethodGet, "/api/v1/certificates/"+url.PathEscape(kid), nil, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// Revoke revokes a certificate.
func (c *Client) Revoke(ctx context.Context, kid, reason string) (*models.Certificate, error) {
	var cert models.Certificate
	if err := c.do(ctx, http.MethodPost, "/api/v1/certificates/"+url.PathEscape(kid)+"/revoke",
		server.RevokeRequest{Reason: reason}, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// Search returns certificates matching params in issuance order.
func (c *Client) Search(ctx context.Context, params lifecycle.SearchParams) ([]*models.Certificate, error) {
	var resp server.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/certificates?"+searchQuery(params).Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// JWKS fetches the public JWKS of a group. Responses are cached for the
// max-age the server advertises.
func (c *Client) JWKS(ctx context.Context, code string) (*pki.JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/.well-known/jwks/"+url.PathEscape(code)+".json"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.jwks.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	zerolog.Ctx(ctx).Debug().Str("group_code", code).Bool("from_cache", FromCache(resp)).Msg("Fetched JWKS")

	var jwks pki.JWKS
	if err := decodeResponse(resp, &jwks); err != nil {
		return nil, err
	}
	return &jwks, nil
}

func (c *Client) url(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// decodeResponse reads the whole body so the caching transport sees EOF and
// stores the response.
func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "http_error", Message: resp.Status}
		var body server.ErrorResponse
		if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
			apiErr.Code = body.Error.Code
			apiErr.Field = body.Error.Field
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func groupRequest(g *models.Group) server.GroupRequest {
	req := server.GroupRequest{
		GroupCode:   g.Code,
		DisplayName: g.DisplayName,
		UsageType:   string(g.UsageType),
		KeyPolicy: server.KeyPolicyRequest{
			KeyType:  string(g.KeyPolicy.Type),
			KeySize:  g.KeyPolicy.Size,
			KeyCurve: string(g.KeyPolicy.Curve),
		},
		SubjectTemplate:       g.Subject.Map(),
		AutoRotate:            g.AutoRotate,
		RotationThresholdDays: g.RotationThresholdDays,
		KeyUsage:              stringsOf(g.KeyUsage),
		ExtendedKeyUsage:      stringsOf(g.ExtKeyUsage),
	}
	validDays := g.ValidDays
	req.ValidDays = &validDays
	return req
}

func searchQuery(p lifecycle.SearchParams) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setTime := func(k string, t *time.Time) {
		if t != nil {
			q.Set(k, t.Format(time.RFC3339))
		}
	}

	set("kid", p.Kid)
	set("groupCode", p.GroupCode)
	set("issuerKid", p.IssuerKid)
	set("usageType", p.UsageType)
	set("subject", p.Subject)
	set("revoked", p.Revoked)
	setTime("issuedFrom", p.IssuedFrom)
	setTime("issuedTo", p.IssuedTo)
	setTime("expiresFrom", p.ExpiresFrom)
	setTime("expiresTo", p.ExpiresTo)
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	return q
}

func stringsOf[T ~string](values []T) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
