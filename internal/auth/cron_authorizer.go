package auth

import (
	"crypto/subtle"
	"strings"
)

// SchedulerHeader is set by the platform scheduler on internal invocations
// and stripped from external traffic at the edge.
const SchedulerHeader = "X-Scheduler-Cron"

// CronAuthorizerConfig configures pipeline-endpoint authorization.
type CronAuthorizerConfig struct {
	Secret      string
	TestAPIKey  string
	Development bool
}

// CronAuthorizer admits cron and debug requests via a bearer secret, the
// platform scheduler header, or unconditionally in development.
type CronAuthorizer struct {
	secret      string
	testAPIKey  string
	development bool
}

// NewCronAuthorizer returns a ready authorizer.
func NewCronAuthorizer(cfg CronAuthorizerConfig) *CronAuthorizer {
	return &CronAuthorizer{
		secret:      cfg.Secret,
		testAPIKey:  cfg.TestAPIKey,
		development: cfg.Development,
	}
}

// AuthorizeCron admits a pipeline invocation.
func (a *CronAuthorizer) AuthorizeCron(authorizationHeader, schedulerHeader string) bool {
	if a.development {
		return true
	}
	if strings.TrimSpace(schedulerHeader) == "true" {
		return true
	}
	return a.matchBearer(authorizationHeader, a.secret)
}

// AuthorizeDebug admits a manual/debug invocation: development mode or the
// dedicated test API key.
func (a *CronAuthorizer) AuthorizeDebug(apiKeyHeader string) bool {
	if a.development {
		return true
	}
	if a.testAPIKey == "" {
		return false
	}
	return constantTimeEqual(strings.TrimSpace(apiKeyHeader), a.testAPIKey)
}

func (a *CronAuthorizer) matchBearer(header, secret string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return constantTimeEqual(token, secret)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
