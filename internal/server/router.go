package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amparo-app/backend/internal/auth"
	"github.com/amparo-app/backend/internal/enrich"
	"github.com/amparo-app/backend/internal/ingest"
	"github.com/amparo-app/backend/internal/initiatives"
	"github.com/amparo-app/backend/internal/jobs"
	"github.com/amparo-app/backend/internal/synclog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-InChurch-Signature"

// TestAPIKeyHeader carries the debug credential outside development.
const TestAPIKeyHeader = "X-Test-Api-Key"

const leaderIDContextKey = "amparo_leader_id"

var (
	errMissingIngest     = errors.New("ingest service dependency required")
	errMissingRunner     = errors.New("job runner dependency required")
	errMissingEnrich     = errors.New("enrich service dependency required")
	errMissingGenerator  = errors.New("initiative generator dependency required")
	errMissingAuthorizer = errors.New("cron authorizer dependency required")
	errMissingSecret     = errors.New("webhook signing secret required")
)

// HealthChecker probes the external member directory.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Ingest        *ingest.Service
	Runner        *jobs.Runner
	Enrich        *enrich.Service
	Generator     *initiatives.Generator
	Cron          *auth.CronAuthorizer
	Sessions      *auth.SessionValidator
	Directory     HealthChecker
	WebhookSecret []byte
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for webhooks, cron drivers, and
// development/debug endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ingest == nil {
		return nil, errMissingIngest
	}
	if deps.Runner == nil {
		return nil, errMissingRunner
	}
	if deps.Enrich == nil {
		return nil, errMissingEnrich
	}
	if deps.Generator == nil {
		return nil, errMissingGenerator
	}
	if deps.Cron == nil {
		return nil, errMissingAuthorizer
	}
	if len(deps.WebhookSecret) == 0 {
		return nil, errMissingSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", SignatureHeader, TestAPIKeyHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		ingest:        deps.Ingest,
		runner:        deps.Runner,
		enrich:        deps.Enrich,
		generator:     deps.Generator,
		cron:          deps.Cron,
		sessions:      deps.Sessions,
		directory:     deps.Directory,
		webhookSecret: deps.WebhookSecret,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/inchurch", handler.handleWebhook)

	cronGroup := router.Group("/cron")
	cronGroup.Use(handler.authorizeCron)
	cronGroup.POST("/sync", handler.runJob(handler.runner.RunDailySync))
	cronGroup.POST("/enrich", handler.runJob(handler.runner.RunEnrichment))
	cronGroup.POST("/initiatives", handler.runJob(handler.runner.RunGeneration))

	debugGroup := router.Group("/debug")
	debugGroup.Use(handler.authorizeDebug)
	debugGroup.GET("/enrich", handler.handleDebugEnrich)
	debugGroup.GET("/initiatives", handler.handleDebugInitiatives)

	return router, nil
}

type httpHandler struct {
	ingest        *ingest.Service
	runner        *jobs.Runner
	enrich        *enrich.Service
	generator     *initiatives.Generator
	cron          *auth.CronAuthorizer
	sessions      *auth.SessionValidator
	directory     HealthChecker
	webhookSecret []byte
	logger        *zap.Logger
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_body"})
		return
	}

	signature := c.GetHeader(SignatureHeader)
	if err := ingest.VerifySignature(h.webhookSecret, body, signature); err != nil {
		if errors.Is(err, ingest.ErrMissingSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_signature"})
			return
		}
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	event, err := ingest.ParseEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}

	result, err := h.ingest.Ingest(c.Request.Context(), event, synclog.SyncTypeWebhook)
	if err != nil {
		h.logger.Error("webhook ingestion failed",
			zap.String("event_id", event.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"eventId":   event.ID,
		"processed": result.Accepted,
	})
}

type jobSummaryPayload struct {
	Success       bool                       `json:"success"`
	ExecutionTime int64                      `json:"executionTime"`
	Summary       jobTotalsPayload           `json:"summary"`
	Results       map[string]jobs.OrgOutcome `json:"results"`
}

type jobTotalsPayload struct {
	OrganizationsProcessed int     `json:"organizationsProcessed"`
	TotalRecords           int     `json:"totalRecords"`
	TotalCost              float64 `json:"totalCost"`
	ErrorsEncountered      int     `json:"errorsEncountered"`
}

// runJob adapts one pipeline driver into a cron endpoint. Per-organization
// errors ride inside a 200 summary; only a whole-job setup failure turns
// into a 500 so the scheduler retries it.
func (h *httpHandler) runJob(drive func(context.Context) (jobs.JobSummary, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()

		summary, err := drive(c.Request.Context())
		if err != nil {
			h.logger.Error("job run failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":         "job_failed",
				"executionTime": time.Since(startedAt).Milliseconds(),
				"details":       err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, jobSummaryPayload{
			Success:       true,
			ExecutionTime: summary.ExecutionTime.Milliseconds(),
			Summary: jobTotalsPayload{
				OrganizationsProcessed: summary.OrganizationsProcessed,
				TotalRecords:           summary.TotalRecords,
				TotalCost:              summary.TotalCost,
				ErrorsEncountered:      len(summary.Errors),
			},
			Results: summary.Results,
		})
	}
}

func (h *httpHandler) handleDebugEnrich(c *gin.Context) {
	organizationID := strings.TrimSpace(c.Query("organization_id"))
	if organizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id required"})
		return
	}

	summary, err := h.enrich.ProcessUnprocessedChanges(c.Request.Context(), enrich.Options{
		OrganizationID:           organizationID,
		IncludeHistoricalContext: c.Query("history") == "true",
	})
	if err != nil {
		h.logger.Error("debug enrichment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrich_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"totalProcessed": summary.TotalProcessed,
		"totalCost":      summary.TotalCost,
		"errors":         summary.Errors,
	})
}

func (h *httpHandler) handleDebugInitiatives(c *gin.Context) {
	personID := strings.TrimSpace(c.Query("person_id"))
	if personID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "person_id required"})
		return
	}

	maxInitiatives := 0
	if raw := c.Query("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a positive integer"})
			return
		}
		maxInitiatives = parsed
	}

	result, err := h.generator.GenerateForPerson(c.Request.Context(), personID, maxInitiatives)
	if err != nil {
		h.logger.Error("debug generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generation_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":              true,
		"initiativesGenerated": result.InitiativesGenerated,
		"changesProcessed":     result.ChangesProcessed,
		"errors":               result.Errors,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok"}
	if h.directory != nil {
		if err := h.directory.CheckHealth(c.Request.Context()); err != nil {
			response["inchurch"] = "unreachable"
		} else {
			response["inchurch"] = "ok"
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeCron(c *gin.Context) {
	if !h.cron.AuthorizeCron(c.GetHeader("Authorization"), c.GetHeader(auth.SchedulerHeader)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// authorizeDebug admits development mode, the test API key, or a valid
// leader session token.
func (h *httpHandler) authorizeDebug(c *gin.Context) {
	if h.cron.AuthorizeDebug(c.GetHeader(TestAPIKeyHeader)) {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if h.sessions != nil && strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		leaderID, err := h.sessions.ValidateSession(token)
		if err == nil {
			c.Set(leaderIDContextKey, leaderID)
			c.Next()
			return
		}
		h.logger.Warn("session validation failed", zap.Error(err))
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
