package inchurch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUpstream indicates the directory API could not be reached or answered
// with an unexpected status.
var ErrUpstream = errors.New("inchurch: upstream request failed")

const (
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 5 * time.Minute
)

// Member is a directory member snapshot.
type Member struct {
	ID            string          `json:"id"`
	LeaderID      string          `json:"leaderId"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone"`
	BirthDate     string          `json:"birthDate"`
	MaritalStatus string          `json:"maritalStatus"`
	Address       string          `json:"address"`
	Profile       json.RawMessage `json:"profile"`
	UpdatedAt     string          `json:"updatedAt"`
}

// MemberFilters narrows a member listing.
type MemberFilters struct {
	UpdatedSince time.Time
	Limit        int
}

// RateLimitStatus exposes the most recent upstream quota headers.
type RateLimitStatus struct {
	Remaining int
	ResetAt   time.Time
}

// ClientConfig configures the directory client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client talks to the InChurch member-directory API with a small read cache
// and rate-limit introspection.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cacheTTL   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu        sync.Mutex
	rateLimit RateLimitStatus
	cache     map[string]cachedMembers
}

type cachedMembers struct {
	members   []Member
	fetchedAt time.Time
}

// NewClient validates configuration and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inchurch.client.new.missing_base_url: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		clock:      clock,
		logger:     logger,
		cache:      map[string]cachedMembers{},
	}, nil
}

// GetMembers lists members for an organization, served from the cache when a
// recent identical listing exists.
func (c *Client) GetMembers(ctx context.Context, organizationID string, filters MemberFilters) ([]Member, error) {
	cacheKey := cacheKeyFor(organizationID, filters)

	c.mu.Lock()
	if entry, ok := c.cache[cacheKey]; ok && c.clock().Sub(entry.fetchedAt) < c.cacheTTL {
		members := entry.members
		c.mu.Unlock()
		return members, nil
	}
	c.mu.Unlock()

	values := url.Values{}
	if !filters.UpdatedSince.IsZero() {
		values.Set("updated_since", filters.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if filters.Limit > 0 {
		values.Set("limit", strconv.Itoa(filters.Limit))
	}

	endpoint := fmt.Sprintf("%s/organizations/%s/members", c.baseURL, url.PathEscape(organizationID))
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Members []Member `json:"members"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode members: %v", ErrUpstream, err)
	}

	c.mu.Lock()
	c.cache[cacheKey] = cachedMembers{members: payload.Members, fetchedAt: c.clock()}
	c.mu.Unlock()

	return payload.Members, nil
}

// CheckHealth probes the directory API.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.get(ctx, c.baseURL+"/health")
	return err
}

// RateLimit returns the quota reported by the most recent upstream response.
func (c *Client) RateLimit() RateLimitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()

	c.recordRateLimit(response)

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUpstream, response.StatusCode)
	}

	var buffer json.RawMessage
	if err := json.NewDecoder(response.Body).Decode(&buffer); err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	return buffer, nil
}

func (c *Client) recordRateLimit(response *http.Response) {
	remaining, err := strconv.Atoi(response.Header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	status := RateLimitStatus{Remaining: remaining}
	if resetUnix, err := strconv.ParseInt(response.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		status.ResetAt = time.Unix(resetUnix, 0).UTC()
	}
	c.mu.Lock()
	c.rateLimit = status
	c.mu.Unlock()
}

func cacheKeyFor(organizationID string, filters MemberFilters) string {
	return fmt.Sprintf("%s|%d|%d", organizationID, filters.UpdatedSince.Unix(), filters.Limit)
}
