package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/people"
)

// ErrUpstreamModel indicates the analysis model could not be reached or
// returned an unusable response. Callers degrade to the heuristic score.
var ErrUpstreamModel = errors.New("enrich: model call failed")

// PersonContext carries the demographics sent alongside pending changes.
type PersonContext struct {
	Name          string                 `json:"name"`
	Age           int                    `json:"age"`
	MaritalStatus string                 `json:"maritalStatus"`
	Engagement    people.EngagementLevel `json:"engagement"`
}

// ChangeContext is one pending change as presented to the model.
type ChangeContext struct {
	ChangeID       string             `json:"changeId"`
	Type           changes.ChangeType `json:"type"`
	OldValue       string             `json:"oldValue,omitempty"`
	NewValue       string             `json:"newValue,omitempty"`
	DetectedAt     time.Time          `json:"detectedAt"`
	HeuristicScore int                `json:"heuristicScore"`
}

// AnalysisRequest bundles everything the model needs for one person. History
// holds previously processed changes when historical context is requested.
type AnalysisRequest struct {
	Person     PersonContext   `json:"person"`
	Changes    []ChangeContext `json:"changes"`
	History    []ChangeContext `json:"history,omitempty"`
	LeaderTone string          `json:"leaderTone"`
}

// Analysis is the model's judgment over a person's pending changes.
type Analysis struct {
	OverallUrgency   int    `json:"urgency"`
	SuggestedTiming  string `json:"timing"`
	Summary          string `json:"summary"`
	SuggestedMessage string `json:"suggestedMessage"`
}

// CostStats reports approximate accumulated model spend.
type CostStats struct {
	Calls     int
	TotalCost float64
}

// ModelClient analyzes a person's pending changes.
type ModelClient interface {
	AnalyzeChanges(ctx context.Context, request AnalysisRequest) (Analysis, error)
	CostStats() CostStats
}

// HTTPModelClientConfig configures the chat-completions client.
type HTTPModelClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPModelClient talks to a chat-completions-style analysis endpoint and
// tracks approximate per-call cost from reported token usage.
type HTTPModelClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	mu    sync.Mutex
	stats CostStats
}

const (
	defaultModelTimeout = 30 * time.Second

	// Approximate blended rates per 1k tokens, used only for reporting.
	promptCostPer1K     = 0.00015
	completionCostPer1K = 0.0006
)

// NewHTTPModelClient validates configuration and returns a ready client.
func NewHTTPModelClient(cfg HTTPModelClientConfig) (*HTTPModelClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("enrich.client.new.missing_base_url: base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("enrich.client.new.missing_model: model name is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultModelTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPModelClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

const analysisSystemPrompt = "You assist church leaders with pastoral care. " +
	"Given a person's profile and recently detected changes, judge how urgent " +
	"outreach is. Respond with a single JSON object: " +
	`{"urgency": 1-10, "timing": "immediate"|"this_week"|"this_month", ` +
	`"summary": string, "suggestedMessage": string}.`

// AnalyzeChanges sends the person context to the model and decodes its JSON
// verdict. All transport and decode failures map onto ErrUpstreamModel.
func (c *HTTPModelClient) AnalyzeChanges(ctx context.Context, request AnalysisRequest) (Analysis, error) {
	userPayload, err := json.Marshal(request)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: encode request: %v", ErrUpstreamModel, err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: encode body: %v", ErrUpstreamModel, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: build request: %v", ErrUpstreamModel, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrUpstreamModel, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Analysis{}, fmt.Errorf("%w: unexpected status %d", ErrUpstreamModel, response.StatusCode)
	}

	var decoded chatResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return Analysis{}, fmt.Errorf("%w: decode response: %v", ErrUpstreamModel, err)
	}
	if len(decoded.Choices) == 0 {
		return Analysis{}, fmt.Errorf("%w: empty choices", ErrUpstreamModel)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(decoded.Choices[0].Message.Content), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("%w: decode analysis: %v", ErrUpstreamModel, err)
	}
	if analysis.OverallUrgency < 1 || analysis.OverallUrgency > 10 {
		return Analysis{}, fmt.Errorf("%w: urgency %d out of range", ErrUpstreamModel, analysis.OverallUrgency)
	}

	c.recordCost(decoded.Usage.PromptTokens, decoded.Usage.CompletionTokens)
	return analysis, nil
}

// CostStats returns the approximate accumulated spend.
func (c *HTTPModelClient) CostStats() CostStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *HTTPModelClient) recordCost(promptTokens, completionTokens int) {
	cost := float64(promptTokens)/1000*promptCostPer1K + float64(completionTokens)/1000*completionCostPer1K
	c.mu.Lock()
	c.stats.Calls++
	c.stats.TotalCost += cost
	c.mu.Unlock()
}
