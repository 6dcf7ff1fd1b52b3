// Package api is the HTTP surface over the pipeline state, conversions and
// the rate cache.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/indicator"
	"fx-rate-pipeline/internal/metrics"
	"fx-rate-pipeline/internal/pipeline"
	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/version"
)

// Handler serves the REST endpoints.
type Handler struct {
	pipeline  *pipeline.Pipeline
	converter *pipeline.Converter
	trends    *pipeline.TrendAnalyzer
	ws        http.Handler
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

// Options carry the collaborators a Handler reads from. WS and Metrics are
// optional; their routes are not registered when nil.
type Options struct {
	Pipeline  *pipeline.Pipeline
	Converter *pipeline.Converter
	Trends    *pipeline.TrendAnalyzer
	WS        http.Handler
	Metrics   *metrics.Recorder
}

// NewHandler builds the handler.
func NewHandler(opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline:  opts.Pipeline,
		converter: opts.Converter,
		trends:    opts.Trends,
		ws:        opts.WS,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts every route on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	if h.ws != nil {
		e.GET("/ws", echo.WrapHandler(h.ws))
	}
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}

	r := e.Group("/api/rates")
	r.GET("/current", h.Current)
	r.GET("/sources", h.Sources)
	r.GET("/indicators", h.Indicators)
	r.GET("/summary", h.Summary)
	r.GET("/anomalies", h.Anomalies)
	r.POST("/convert", h.Convert)
	r.GET("/cross", h.Cross)
	r.GET("/trend", h.Trend)
	r.GET("/popular", h.Popular)
	r.POST("/refresh", h.Refresh)

	cg := e.Group("/api/cache")
	cg.GET("/stats", h.CacheStats)
	cg.DELETE("/:key", h.CacheInvalidate)
	cg.POST("/warmup", h.CacheWarmup)
}

type currentRequest struct {
	Base string `query:"base" validate:"omitempty,alpha,len=3"`
}

type currentResponse struct {
	Cycle     int64       `json:"cycle"`
	Base      string      `json:"base"`
	Rates     rates.Table `json:"rates"`
	Original  rates.Table `json:"original"`
	Provider  string      `json:"provider"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Current returns the displayed table, optionally rebased with ?base=.
func (h *Handler) Current(c echo.Context) error {
	req := &currentRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	state := h.pipeline.Current()
	if state == nil {
		return errorResponse(c, http.StatusNotFound, "ERR_NO_RATES", pipeline.ErrNoRates)
	}

	resp := currentResponse{
		Cycle:     state.Cycle,
		Base:      state.Base,
		Rates:     state.Displayed,
		Original:  state.Baseline,
		Provider:  state.Provider,
		UpdatedAt: state.UpdatedAt,
	}
	if base := rates.NormalizeCode(req.Base); base != "" && base != state.Base {
		rebased, err := h.pipeline.Rebased(base)
		if err != nil {
			return appError(c, err)
		}
		original, err := rates.Rebase(state.Baseline, base)
		if err != nil {
			return appError(c, err)
		}
		resp.Base, resp.Rates, resp.Original = base, rebased, original
	}
	return success(c, resp)
}

type sourcesResponse struct {
	Provider string           `json:"provider"`
	Sources  []rates.QuoteSet `json:"sources"`
}

// Sources lists the quote sets that fed the current table.
func (h *Handler) Sources(c echo.Context) error {
	state := h.pipeline.Current()
	if state == nil {
		return errorResponse(c, http.StatusNotFound, "ERR_NO_RATES", pipeline.ErrNoRates)
	}
	return success(c, sourcesResponse{Provider: state.Provider, Sources: state.Sources})
}

// Indicators returns SMA/EMA/RSI per currency; unready values are null.
func (h *Handler) Indicators(c echo.Context) error {
	state := h.pipeline.Current()
	if state == nil {
		return success(c, map[string]indicator.Set{})
	}
	return success(c, state.Indicators)
}

// Summary returns the market summary, 404 while no comparison exists.
func (h *Handler) Summary(c echo.Context) error {
	state := h.pipeline.Current()
	if state == nil || state.Summary == nil {
		return errorResponse(c, http.StatusNotFound, "ERR_NO_SUMMARY", errors.New("no market summary available yet"))
	}
	return success(c, state.Summary)
}

// Anomalies returns the last cycle's anomaly report.
func (h *Handler) Anomalies(c echo.Context) error {
	state := h.pipeline.Current()
	if state == nil {
		return success(c, rates.AnomalyReport{Anomalies: []rates.Anomaly{}})
	}
	return success(c, state.Anomalies)
}

type convertRequest struct {
	From   string          `json:"from" validate:"required,alpha,len=3"`
	To     string          `json:"to" validate:"required,alpha,len=3"`
	Amount decimal.Decimal `json:"amount"`
}

// Convert prices an amount in another currency.
func (h *Handler) Convert(c echo.Context) error {
	req := &convertRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	conv, err := h.converter.Convert(c.Request().Context(), req.From, req.To, req.Amount)
	if err != nil {
		if !pipeline.IsInputError(err) {
			h.logger.Error().Err(err).Str("from", req.From).Str("to", req.To).Msg("convert failed")
		}
		return appError(c, err)
	}
	return success(c, conv)
}

type crossRequest struct {
	Base  string `query:"base" validate:"required,alpha,len=3"`
	Quote string `query:"quote" validate:"required,alpha,len=3"`
	Via   string `query:"via" default:"USD" validate:"alpha,len=3"`
}

type crossResponse struct {
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Via   string  `json:"via"`
	Rate  float64 `json:"rate"`
}

// Cross prices base in quote through a third currency.
func (h *Handler) Cross(c echo.Context) error {
	req := &crossRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	rate, err := h.pipeline.CrossRate(req.Base, req.Quote, req.Via)
	if err != nil {
		return appError(c, err)
	}
	return success(c, crossResponse{
		Base:  rates.NormalizeCode(req.Base),
		Quote: rates.NormalizeCode(req.Quote),
		Via:   rates.NormalizeCode(req.Via),
		Rate:  rate,
	})
}

type trendRequest struct {
	Pair   string `query:"pair" validate:"required"`
	Period string `query:"period" default:"30d" validate:"oneof=7d 30d 90d"`
}

// Trend describes a pair's move over a lookback window.
func (h *Handler) Trend(c echo.Context) error {
	req := &trendRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	trend, err := h.trends.AnalyzeTrend(c.Request().Context(), req.Pair, req.Period)
	if err != nil {
		if !pipeline.IsInputError(err) {
			h.logger.Error().Err(err).Str("pair", req.Pair).Msg("trend failed")
		}
		return appError(c, err)
	}
	return success(c, trend)
}

type popularRequest struct {
	Limit int `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

// Popular lists the most converted pairs.
func (h *Handler) Popular(c echo.Context) error {
	req := &popularRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	pairs, err := h.converter.PopularPairs(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("popular pairs failed")
		return appError(c, err)
	}
	return success(c, pairs)
}

type refreshResponse struct {
	Cycle     int64     `json:"cycle"`
	Providers int       `json:"providers"`
	Anomalies int       `json:"anomalies"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Refresh runs one cycle now. It is refused while a cycle is in flight.
func (h *Handler) Refresh(c echo.Context) error {
	// a started cycle runs to completion even if the caller goes away
	ctx := context.WithoutCancel(c.Request().Context())
	state, err := h.pipeline.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, pipeline.ErrCycleInProgress) || errors.Is(err, pipeline.ErrNoRates) {
			return appError(c, err)
		}
		return errorResponse(c, http.StatusBadGateway, "ERR_FETCH", err)
	}
	return success(c, refreshResponse{
		Cycle:     state.Cycle,
		Providers: len(state.Sources),
		Anomalies: len(state.Anomalies.Anomalies),
		UpdatedAt: state.UpdatedAt,
	})
}

// CacheStats lists cached entries with their expiry status.
func (h *Handler) CacheStats(c echo.Context) error {
	stats, err := h.converter.Cache().Stats(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("cache stats failed")
		return appError(c, err)
	}
	return success(c, stats)
}

type invalidateRequest struct {
	Key string `param:"key" validate:"required"`
}

// CacheInvalidate drops one entry.
func (h *Handler) CacheInvalidate(c echo.Context) error {
	req := &invalidateRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	from, to, err := rates.ParsePairKey(req.Key)
	if err != nil {
		return appError(c, err)
	}
	if err := h.converter.Cache().Invalidate(c.Request().Context(), rates.PairKey(from, to)); err != nil {
		h.logger.Error().Err(err).Str("key", req.Key).Msg("cache invalidate failed")
		return appError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type warmupRequest struct {
	Pairs []string `json:"pairs" validate:"required,min=1,dive,required"`
}

type warmupResponse struct {
	Requested int `json:"requested"`
	Stored    int `json:"stored"`
}

// CacheWarmup precomputes the given pairs.
func (h *Handler) CacheWarmup(c echo.Context) error {
	req := &warmupRequest{}
	if details := bindAndValidate(c, req); details != nil {
		return badRequest(c, details)
	}
	if h.pipeline.Current() == nil {
		return appError(c, pipeline.ErrNoRates)
	}
	stored := h.converter.Warmup(c.Request().Context(), req.Pairs)
	return success(c, warmupResponse{Requested: len(req.Pairs), Stored: stored})
}

type healthResponse struct {
	Status    string       `json:"status"`
	Phase     string       `json:"phase"`
	Cycle     int64        `json:"cycle"`
	UpdatedAt time.Time    `json:"updatedAt,omitempty"`
	Build     version.Info `json:"build"`
}

// Health reports liveness plus the pipeline position.
func (h *Handler) Health(c echo.Context) error {
	resp := healthResponse{
		Status: "ok",
		Phase:  h.pipeline.Phase().String(),
		Build:  version.Get(),
	}
	if state := h.pipeline.Current(); state != nil {
		resp.Cycle = state.Cycle
		resp.UpdatedAt = state.UpdatedAt
	}
	return c.JSON(http.StatusOK, resp)
}
