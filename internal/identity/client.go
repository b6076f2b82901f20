package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"classpulse-engagement/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Principal is a verified identity returned by the identity service.
type Principal struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	OrgUnit    string `json:"org_unit"`
	Department string `json:"department"`
}

// Teacher reports whether the principal may open observer surfaces.
func (p *Principal) Teacher() bool {
	return p.Role == "teacher" || p.Role == "admin"
}

// verifyResponse is the identity service envelope.
type verifyResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// Client verifies bearer tokens against the identity service and caches
// verified principals in Redis so hot paths avoid a network round trip.
type Client struct {
	httpClient *resty.Client
	cache      *redis.Client
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// NewClient creates an identity client. cache may be nil, in which case
// every verification hits the identity service.
func NewClient(baseURL string, cache *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: httpClient,
		cache:      cache,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

func cacheKey(token string) string {
	return "identity:token:" + token
}

// Verify resolves a bearer token to a principal. Invalid or expired tokens
// return domain.ErrForbidden; an unreachable identity service returns
// domain.ErrUnavailable.
func (c *Client) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", domain.ErrForbidden)
	}

	if p, ok := c.fromCache(ctx, token); ok {
		return p, nil
	}

	var response verifyResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetResult(&response).
		SetError(&response).
		Get("/api/auth/verify")
	if err != nil {
		c.logger.Error("identity service call failed", zap.Error(err))
		return nil, fmt.Errorf("identity service: %w", domain.ErrUnavailable)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, fmt.Errorf("token rejected: %w", domain.ErrForbidden)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("identity service status %d: %w", resp.StatusCode(), domain.ErrUnavailable)
	case !response.Success:
		return nil, fmt.Errorf("identity verification failed: %s: %w", response.Error, domain.ErrForbidden)
	}

	var principal Principal
	if err := json.Unmarshal(response.Data, &principal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal principal: %w", err)
	}
	if principal.UserID == "" {
		return nil, fmt.Errorf("identity response missing user_id: %w", domain.ErrForbidden)
	}

	c.toCache(ctx, token, &principal)
	return &principal, nil
}

// AuthorizeClass checks whether the principal's scope covers a class.
// Admins see everything; teachers are limited to their own org unit and,
// when the class declares one, their department.
func (c *Client) AuthorizeClass(principal *Principal, class *domain.ClassInfo) error {
	if principal.Role == "admin" {
		return nil
	}
	if class.OrgUnit != "" && principal.OrgUnit != class.OrgUnit {
		return fmt.Errorf("org unit mismatch: %w", domain.ErrForbidden)
	}
	if class.Department != "" && principal.Department != class.Department {
		return fmt.Errorf("department mismatch: %w", domain.ErrForbidden)
	}
	return nil
}

func (c *Client) fromCache(ctx context.Context, token string) (*Principal, bool) {
	if c.cache == nil {
		return nil, false
	}
	val, err := c.cache.Get(ctx, cacheKey(token)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("identity cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var p Principal
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *Client) toCache(ctx context.Context, token string, p *Principal) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(token), string(data), c.cacheTTL).Err(); err != nil {
		c.logger.Warn("identity cache write failed", zap.Error(err))
	}
}
