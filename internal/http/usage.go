package http

import (
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/partner-gateway/internal/apierr"
	"github.com/jmehdipour/partner-gateway/internal/pipeline"
	"github.com/jmehdipour/partner-gateway/internal/repository"
)

const defaultSummaryRange = 30 * 24 * time.Hour

func listUsageHandler(usage repository.UsageRepository) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		if usage == nil {
			return nil, apierr.ServiceUnavailable("Usage reporting is not available")
		}
		in := pc.Input
		from, to, err := timeRange(in.Query.Get("from"), in.Query.Get("to"))
		if err != nil {
			return nil, err
		}

		f := repository.UsageFilter{
			KeyID:    strings.TrimSpace(in.Query.Get("key_id")),
			Endpoint: strings.TrimSpace(in.Query.Get("endpoint")),
			From:     from,
			To:       to,
			Limit:    in.Limit,
			Offset:   (in.Page - 1) * in.Limit,
		}
		rows, err := usage.ListByPartner(c.Request().Context(), pc.PartnerID(), f)
		if err != nil {
			return nil, apierr.ServiceUnavailable("Usage store unavailable").Wrap(err)
		}

		return map[string]any{
			"page":    in.Page,
			"limit":   in.Limit,
			"count":   len(rows),
			"results": rows,
		}, nil
	}
}

func usageSummaryHandler(usage repository.UsageRepository, now func() time.Time) pipeline.HandlerFunc {
	return func(c echo.Context, pc *pipeline.Context) (any, error) {
		if usage == nil {
			return nil, apierr.ServiceUnavailable("Usage reporting is not available")
		}
		from, to, err := timeRange(pc.Input.Query.Get("from"), pc.Input.Query.Get("to"))
		if err != nil {
			return nil, err
		}
		if to.IsZero() {
			to = now().UTC()
		}
		if from.IsZero() {
			from = to.Add(-defaultSummaryRange)
		}

		rows, err := usage.SummaryByPartner(c.Request().Context(), pc.PartnerID(), from, to)
		if err != nil {
			return nil, apierr.ServiceUnavailable("Usage store unavailable").Wrap(err)
		}

		var total uint64
		for _, r := range rows {
			total += r.Requests
		}
		limits := pc.Partner.UsageLimits.V
		return map[string]any{
			"from":             from,
			"to":               to,
			"total_requests":   total,
			"monthly_requests": limits.MonthlyRequests,
			"endpoints":        rows,
		}, nil
	}
}

// timeRange parses optional RFC 3339 bounds; zero values mean unbounded.
func timeRange(rawFrom, rawTo string) (from, to time.Time, err error) {
	if rawFrom != "" {
		if from, err = time.Parse(time.RFC3339, rawFrom); err != nil {
			return from, to, apierr.New(apierr.CodeValidationError, "from must be an RFC 3339 timestamp").WithDetail("param", "from")
		}
	}
	if rawTo != "" {
		if to, err = time.Parse(time.RFC3339, rawTo); err != nil {
			return from, to, apierr.New(apierr.CodeValidationError, "to must be an RFC 3339 timestamp").WithDetail("param", "to")
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, apierr.New(apierr.CodeValidationError, "from must be before to").WithDetail("param", "from")
	}
	return from.UTC(), to.UTC(), nil
}
