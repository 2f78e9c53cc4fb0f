package api

import (
	"context"
	"errors"

	"LevelWatch/internal/domain/models"
	"LevelWatch/internal/service/ratelimit"
	"LevelWatch/internal/usecase"
	xhttp "LevelWatch/pkg/http"
	xlogger "LevelWatch/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// QuoteSource answers reference-price lookups when a registration
// request carries none.
type QuoteSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// RateLimitConfig tunes the per-client token bucket on registration.
type RateLimitConfig struct {
	Enabled      bool
	Capacity     float64
	RefillPerSec float64
}

// AlertsEchoHandler exposes alert registration, listing and cancellation.
type AlertsEchoHandler struct {
	logger  *xlogger.Logger
	manager *usecase.Manager
	quotes  QuoteSource
	limiter *ratelimit.Limiter
	rate    RateLimitConfig
}

func NewAlertsEchoHandler(logger *xlogger.Logger, manager *usecase.Manager, quotes QuoteSource, rate RateLimitConfig) *AlertsEchoHandler {
	return &AlertsEchoHandler{
		logger:  logger,
		manager: manager,
		quotes:  quotes,
		limiter: ratelimit.New(),
		rate:    rate,
	}
}

func (h *AlertsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/alerts")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.DELETE("/:symbol/:id", h.Delete)
}

func (h *AlertsEchoHandler) Create(c echo.Context) error {
	if h.rate.Enabled && !h.limiter.Allow(c.RealIP(), h.rate.Capacity, h.rate.RefillPerSec) {
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many registrations, retry later"))
	}

	req := &models.CreateAlertRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	dest := models.Destination{GuildID: req.GuildID, ChannelID: req.ChannelID}

	var (
		cfg *models.AlertConfig
		err error
	)
	if req.Format == "block" {
		cfg, err = h.manager.RegisterBlock(c.Request().Context(), req.Message, dest)
	} else {
		if req.Symbol == "" {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("symbol is required for freeform alerts"))
		}
		var ref decimal.Decimal
		ref, err = h.referencePrice(c.Request().Context(), req)
		if err != nil {
			return xhttp.AppErrorResponse(c, err)
		}
		cfg, err = h.manager.Register(c.Request().Context(), req.Message, req.Symbol, dest, ref)
	}
	if err != nil {
		h.logger.Error("alert registration failed",
			xlogger.String("symbol", req.Symbol),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, mapDomainError(err))
	}

	return xhttp.CreatedResponse(c, cfg)
}

func (h *AlertsEchoHandler) List(c echo.Context) error {
	req := &models.ListAlertsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	var (
		alerts []*models.AlertConfig
		err    error
	)
	if req.Symbol != "" {
		alerts, err = h.manager.List(c.Request().Context(), req.Symbol)
	} else {
		alerts, err = h.manager.ListAll(c.Request().Context())
	}
	if err != nil {
		h.logger.Error("alert listing failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, mapDomainError(err))
	}

	return xhttp.ListResponse(c, alerts, int64(len(alerts)))
}

func (h *AlertsEchoHandler) Delete(c echo.Context) error {
	req := &models.DeleteAlertRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	if err := h.manager.Cancel(c.Request().Context(), req.Symbol, req.AlertID); err != nil {
		h.logger.Error("alert cancel failed",
			xlogger.String("symbol", req.Symbol),
			xlogger.String("alert_id", req.AlertID),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, mapDomainError(err))
	}

	return xhttp.NoContentResponse(c)
}

// referencePrice resolves the price levels are measured against:
// explicit request value first, then the freshest cached quote.
func (h *AlertsEchoHandler) referencePrice(ctx context.Context, req *models.CreateAlertRequest) (decimal.Decimal, error) {
	if req.ReferencePrice != "" {
		ref, err := decimal.NewFromString(req.ReferencePrice)
		if err != nil {
			return decimal.Decimal{}, xhttp.BadRequestErrorf("reference_price %q is not a valid decimal", req.ReferencePrice)
		}
		return ref, nil
	}
	if h.quotes != nil {
		if ref, ok := h.quotes.LastPrice(ctx, req.Symbol); ok {
			return ref, nil
		}
	}
	return decimal.Decimal{}, xhttp.BadRequestErrorf("no reference price supplied and no recent quote for %s", req.Symbol)
}

// mapDomainError translates engine errors into transport ones.
func mapDomainError(err error) error {
	var parseErr *models.ParseError
	if errors.As(err, &parseErr) {
		return xhttp.BadRequestError(parseErr.Error()).WithParam("line", parseErr.Line)
	}
	var conflictErr *models.ConflictError
	if errors.As(err, &conflictErr) {
		return xhttp.ConflictError(conflictErr.Error())
	}
	var notFoundErr *models.NotFoundError
	if errors.As(err, &notFoundErr) {
		return xhttp.NotFoundError(notFoundErr.Error())
	}
	var persistErr *models.PersistenceError
	if errors.As(err, &persistErr) {
		return xhttp.ServiceUnavailableError("alert store unavailable").WithError(err)
	}
	var streamErr *models.StreamError
	if errors.As(err, &streamErr) {
		return xhttp.BadGatewayError("price stream unavailable").WithError(err)
	}
	return xhttp.InternalError("unexpected error").WithError(err)
}
