// Package server exposes the REST alternative to the interactive CLI:
// GET /scope previews a reset without mutating anything and issues a
// signed confirmation token; POST /execute redeems the token and runs
// the deletion. The token is the API's stand-in for the interactive
// confirmation flow.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cloudwipe/internal/domain"
	"cloudwipe/internal/engine"
)

// MinTokenLength is the minimum accepted confirmation token size.
const MinTokenLength = 32

// DefaultTokenTTL bounds how long a preview's token stays redeemable.
const DefaultTokenTTL = 10 * time.Minute

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	TokenKey []byte
	TokenTTL time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"security_violation"`
	Message string         `json:"message" example:"reset already in progress for tenant"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cloudwipe API.
func New(cfg Config) (http.Handler, error) {
	if len(cfg.TokenKey) == 0 {
		return nil, errors.New("server: confirmation token key is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Cloudwipe API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	issuer := &tokenIssuer{key: cfg.TokenKey, ttl: ttl, now: time.Now}

	registerHealth(group)
	registerScope(group, cfg.Engine, issuer)
	registerExecute(group, cfg.Engine, issuer)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var te domain.InvalidConfirmationTokenError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnauthorized, "invalid_confirmation_token", err.Error(), nil)
	}
	var rle domain.RateLimitError
	if errors.As(err, &rle) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{"wait_seconds": rle.WaitSeconds})
	}
	var se domain.SecurityError
	if errors.As(err, &se) {
		if strings.Contains(se.Reason, "already in progress") {
			return newAPIError(http.StatusConflict, "reset_in_progress", err.Error(), nil)
		}
		return newAPIError(http.StatusForbidden, "security_violation", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "invalid_confirmation_token"
	case http.StatusForbidden:
		return "security_violation"
	case http.StatusConflict:
		return "reset_in_progress"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// ScopePreviewResponse is the dry preview plus the token that unlocks
// POST /execute for exactly this scope.
type ScopePreviewResponse struct {
	Scope             domain.ResetScope          `json:"scope"`
	Self              domain.IdentityFingerprint `json:"self"`
	ToDeleteCount     int                        `json:"to_delete_count"`
	ToPreserveCount   int                        `json:"to_preserve_count"`
	Preview           []domain.Object            `json:"preview"`
	ConfirmationToken string                     `json:"confirmation_token"`
	TokenExpiresAt    time.Time                  `json:"token_expires_at"`
}

const previewLimit = 25

func registerScope(api huma.API, e *engine.Engine, issuer *tokenIssuer) {
	huma.Register(api, huma.Operation{
		OperationID: "get-scope",
		Method:      http.MethodGet,
		Path:        "/scope",
		Summary:     "Preview a reset scope",
		Description: "Resolves the scope without mutating anything and returns a confirmation token bound to it.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Level              string   `query:"level" enum:"tenant,subscription,resource_group,resource" required:"true"`
		TenantID           string   `query:"tenant_id" required:"true"`
		SubscriptionIDs    []string `query:"subscription_id"`
		ResourceGroupNames []string `query:"resource_group"`
		ResourceID         string   `query:"resource_id"`
	}) (*struct {
		Body ScopePreviewResponse `json:"body"`
	}, error) {
		s := domain.ResetScope{
			Level:              domain.ScopeLevel(input.Level),
			TenantID:           input.TenantID,
			SubscriptionIDs:    input.SubscriptionIDs,
			ResourceGroupNames: input.ResourceGroupNames,
			ResourceID:         input.ResourceID,
		}
		result, err := e.Preview(ctx, s)
		if err != nil {
			return nil, handleError(err)
		}
		token, expires, err := issuer.Issue(s)
		if err != nil {
			return nil, handleError(err)
		}
		preview := result.Resolution.ToDelete
		if len(preview) > previewLimit {
			preview = preview[:previewLimit]
		}
		return &struct {
			Body ScopePreviewResponse `json:"body"`
		}{Body: ScopePreviewResponse{
			Scope:             s,
			Self:              result.Self,
			ToDeleteCount:     len(result.Resolution.ToDelete),
			ToPreserveCount:   len(result.Resolution.ToPreserve),
			Preview:           preview,
			ConfirmationToken: token,
			TokenExpiresAt:    expires,
		}}, nil
	})
}

// ExecuteRequest redeems a confirmation token against the same scope
// it was issued for.
type ExecuteRequest struct {
	Scope             domain.ResetScope `json:"scope"`
	ConfirmationToken string            `json:"confirmation_token"`
}

// ExecuteResponse reports counts plus the first ten of each list.
type ExecuteResponse struct {
	Status       domain.RunStatus  `json:"status"`
	DeletedCount int               `json:"deleted_count"`
	FailedCount  int               `json:"failed_count"`
	Deleted      []string          `json:"deleted"`
	Failed       []string          `json:"failed"`
	Errors       map[string]string `json:"errors"`
}

const resultLimit = 10

func registerExecute(api huma.API, e *engine.Engine, issuer *tokenIssuer) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-reset",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Execute a confirmed reset",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest `json:"body"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		if err := issuer.Verify(input.Body.ConfirmationToken, input.Body.Scope); err != nil {
			return nil, handleError(err)
		}
		confirmer := engine.ConfirmFunc(func(ctx context.Context, s domain.ResetScope, res domain.ScopeResolution, self domain.IdentityFingerprint) (bool, error) {
			// the token was verified against this exact scope above;
			// re-verify so state mutation cannot widen it mid-run
			if err := issuer.Verify(input.Body.ConfirmationToken, s); err != nil {
				return false, err
			}
			return true, nil
		})
		result, err := e.Run(ctx, input.Body.Scope, confirmer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: executeResponse(result.Outcome)}, nil
	})
}

func executeResponse(out domain.DeletionOutcome) ExecuteResponse {
	resp := ExecuteResponse{
		Status:       out.Status,
		DeletedCount: len(out.Deleted),
		FailedCount:  len(out.Failed),
		Deleted:      head(out.Deleted, resultLimit),
		Failed:       head(out.Failed, resultLimit),
		Errors:       map[string]string{},
	}
	for _, id := range resp.Failed {
		if msg, ok := out.Errors[id]; ok {
			resp.Errors[id] = msg
		}
	}
	return resp
}

func head(items []string, n int) []string {
	if items == nil {
		return []string{}
	}
	if len(items) > n {
		return items[:n]
	}
	return items
}
