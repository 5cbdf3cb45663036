package http

import (
	"context"
	"errors"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/model"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
	"github.com/jmehdipour/partner-gateway/internal/repository"
	"github.com/jmehdipour/partner-gateway/internal/service/keys"
)

// KeyService is satisfied by *keys.Service.
type KeyService interface {
	List(ctx context.Context, partnerID string) ([]model.APIKey, error)
	Issue(ctx context.Context, partnerID string, req keys.IssueRequest) (*keys.Issued, error)
	Revoke(ctx context.Context, partnerID, keyID string) error
	Rotate(ctx context.Context, partnerID, keyID string) (*keys.Issued, error)
}

type issueKeyRequest struct {
	Name        string                   `json:"name"`
	Env         string                   `json:"env"`
	Permissions []string                 `json:"permissions"`
	ExpiresAt   *time.Time               `json:"expires_at"`
	RateLimits  model.RateLimitOverrides `json:"rate_limits"`
}

func listKeysHandler(svc KeyService) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		list, err := svc.List(c.Request().Context(), pc.PartnerID())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"count":   len(list),
			"results": list,
		}, nil
	}
}

func issueKeyHandler(svc KeyService) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		var req issueKeyRequest
		if err := c.Bind(&req); err != nil {
			return nil, apierr.InvalidRequest("Malformed key request")
		}
		env, ok := model.ParseKeyEnv(req.Env)
		if !ok {
			return nil, apierr.New(apierr.CodeValidationError, "env must be live or test").WithDetail("field", "env")
		}
		// partners cannot mint keys that escape rate limiting
		if req.RateLimits.Unlimited {
			return nil, apierr.New(apierr.CodeValidationError, "unlimited keys can only be issued by an operator").
				WithDetail("field", "rate_limits.unlimited")
		}

		issued, err := svc.Issue(c.Request().Context(), pc.PartnerID(), keys.IssueRequest{
			Name:        req.Name,
			Env:         env,
			Permissions: req.Permissions,
			ExpiresAt:   req.ExpiresAt,
			RateLimits:  req.RateLimits,
			Grantor:     pc.Key.Permissions,
		})
		if err != nil {
			return nil, keyError(err)
		}
		return pipeline.Created(issued), nil
	}
}

func revokeKeyHandler(svc KeyService) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		id := c.Param("id")
		if err := svc.Revoke(c.Request().Context(), pc.PartnerID(), id); err != nil {
			return nil, keyError(err)
		}
		return map[string]any{"id": id, "status": model.KeyRevoked}, nil
	}
}

func rotateKeyHandler(svc KeyService) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		issued, err := svc.Rotate(c.Request().Context(), pc.PartnerID(), c.Param("id"))
		if err != nil {
			return nil, keyError(err)
		}
		return pipeline.Created(map[string]any{
			"replaced": c.Param("id"),
			"key":      issued.Key,
			"secret":   issued.Secret,
		}), nil
	}
}

// keyError maps key service sentinels onto the API taxonomy. Anything else is
// left for the pipeline to report as internal_error.
func keyError(err error) error {
	switch {
	case errors.Is(err, keys.ErrInvalidRequest):
		return apierr.New(apierr.CodeValidationError, err.Error())
	case errors.Is(err, keys.ErrPermissionDenied):
		return apierr.New(apierr.CodeInsufficientPermissions, "Cannot grant permissions this key does not hold")
	case errors.Is(err, keys.ErrKeyLimitReached):
		return apierr.Conflict("API key limit reached")
	case errors.Is(err, keys.ErrKeyRevoked):
		return apierr.Conflict("API key is already revoked")
	case errors.Is(err, keys.ErrPartnerInactive):
		return apierr.Conflict("Partner account is not active")
	case errors.Is(err, repository.ErrNotFound):
		return apierr.NotFound("API key")
	}
	return err
}
