package http

import (
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/partner-gateway/internal/pipeline"
)

func partnerHandler() pipeline.HandlerFunc {
	return func(_ echo.Context, pc *pipeline.Context) (any, error) {
		return map[string]any{
			"partner": pc.Partner,
			"key":     pc.Key,
		}, nil
	}
}

func statusHandler(versions []string, now func() time.Time) pipeline.HandlerFunc {
	return func(echo.Context, *pipeline.Context) (any, error) {
		return map[string]any{
			"status":       "operational",
			"api_versions": versions,
			"time":         now().UTC(),
		}, nil
	}
}
