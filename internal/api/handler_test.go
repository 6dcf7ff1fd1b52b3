package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/cache"
	"fx-rate-pipeline/internal/config"
	"fx-rate-pipeline/internal/metrics"
	"fx-rate-pipeline/internal/pipeline"
	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/storage"
)

type mutableSource struct {
	sets []rates.QuoteSet
}

func (m *mutableSource) FetchQuotes(context.Context, string) ([]rates.QuoteSet, error) {
	return m.sets, nil
}

type fixture struct {
	echo   *echo.Echo
	source *mutableSource
	p      *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := &mutableSource{sets: []rates.QuoteSet{
		{Provider: "alpha", Quotes: rates.Table{"USD": 1, "EUR": 0.5, "JPY": 100}},
	}}
	store := storage.NewMemoryStore(0)
	rec := metrics.New()
	p := pipeline.New(pipeline.Options{Base: "USD", SmoothingAlpha: 0.2, AnomalyThreshold: 0.1}, pipeline.Dependencies{
		Source:  src,
		Store:   store,
		Metrics: rec,
	}, zerolog.Nop())
	conv := pipeline.NewConverter(p, cache.NewTTLCache(), store, rec, time.Hour, zerolog.Nop())
	h := NewHandler(Options{
		Pipeline:  p,
		Converter: conv,
		Trends:    pipeline.NewTrendAnalyzer(store),
		Metrics:   rec,
	}, zerolog.Nop())
	srv := NewServer(config.ServerConfig{Addr: ":0"}, h, zerolog.Nop())
	return &fixture{echo: srv.Echo(), source: src, p: p}
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	if _, err := f.p.RunCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("运行周期失败: %v", err)
	}
}

func decodeData(t *testing.T, resp Response, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("解析 data 失败: %v", err)
	}
}

func TestCurrentBeforeAndAfterCycle(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/rates/current", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("首个周期前应返回 404, 实际 %d", rec.Code)
	}

	f.cycle(t)
	rec, resp := f.do(t, http.MethodGet, "/api/rates/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("应返回 200, 实际 %d: %s", rec.Code, rec.Body)
	}
	var cur currentResponse
	decodeData(t, resp, &cur)
	if cur.Provider != "Aggregated from: alpha" || cur.Rates["JPY"] == 0 || cur.Base != "USD" {
		t.Fatalf("当前汇率响应不正确: %+v", cur)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/rates/current?base=eur", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("换基请求应成功, 实际 %d", rec.Code)
	}
	decodeData(t, resp, &cur)
	if cur.Base != "EUR" || cur.Rates["EUR"] != 1 {
		t.Fatalf("换基结果不正确: %+v", cur)
	}
}

func TestConvertEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/rates/convert", `{"from":"USD","to":"EUR","amount":10}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("没有汇率时应返回 503, 实际 %d", rec.Code)
	}

	f.cycle(t)
	rec, resp := f.do(t, http.MethodPost, "/api/rates/convert", `{"from":"USD","to":"EUR","amount":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("转换应成功, 实际 %d: %s", rec.Code, rec.Body)
	}
	var conv struct {
		Result string `json:"result"`
		Cached bool   `json:"cached"`
	}
	decodeData(t, resp, &conv)
	if conv.Result != "5" || conv.Cached {
		t.Fatalf("转换结果不正确: %+v", conv)
	}
	_, resp = f.do(t, http.MethodPost, "/api/rates/convert", `{"from":"USD","to":"EUR","amount":"2"}`)
	decodeData(t, resp, &conv)
	if !conv.Cached || conv.Result != "1" {
		t.Fatalf("第二次应命中缓存: %+v", conv)
	}

	bad := []string{
		`{"from":"USD","to":"EUR","amount":0}`,
		`{"from":"USD","to":"USD","amount":1}`,
		`{"from":"USD","to":"XXX","amount":1}`,
		`{"to":"EUR","amount":1}`,
		`{"from":"USD","to":"EUR","amount":"abc"}`,
	}
	for _, body := range bad {
		if rec, _ := f.do(t, http.MethodPost, "/api/rates/convert", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s 应返回 400, 实际 %d", body, rec.Code)
		}
	}

	rec, resp = f.do(t, http.MethodGet, "/api/rates/popular", "")
	var pairs []storage.PairCount
	decodeData(t, resp, &pairs)
	if rec.Code != http.StatusOK || len(pairs) != 1 || pairs[0].Count != 2 {
		t.Fatalf("热门货币对不正确: %d %+v", rec.Code, pairs)
	}
}

func TestCrossTrendAndValidation(t *testing.T) {
	f := newFixture(t)
	f.cycle(t)

	rec, resp := f.do(t, http.MethodGet, "/api/rates/cross?base=EUR&quote=JPY", "")
	var cross crossResponse
	decodeData(t, resp, &cross)
	if rec.Code != http.StatusOK || cross.Via != "USD" || cross.Rate != 0.005 {
		t.Fatalf("交叉汇率不正确: %d %+v", rec.Code, cross)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/rates/cross?base=EUR", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少 quote 应返回 400, 实际 %d", rec.Code)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/rates/trend?pair=USD_EUR", "")
	var trend rates.Trend
	decodeData(t, resp, &trend)
	if rec.Code != http.StatusOK || trend.Period != "30d" || trend.Direction != rates.DirectionInsufficient {
		t.Fatalf("趋势响应不正确: %d %+v", rec.Code, trend)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/rates/trend?pair=USD_EUR&period=1y", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法周期应返回 400, 实际 %d", rec.Code)
	}
}

func TestSummaryIndicatorsAndSources(t *testing.T) {
	f := newFixture(t)
	f.cycle(t)

	if rec, _ := f.do(t, http.MethodGet, "/api/rates/summary", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("只有一个周期时摘要应为 404, 实际 %d", rec.Code)
	}

	f.source.sets = []rates.QuoteSet{{Provider: "alpha", Quotes: rates.Table{"USD": 1, "EUR": 0.6, "JPY": 100}}}
	f.cycle(t)

	rec, resp := f.do(t, http.MethodGet, "/api/rates/summary", "")
	var summary rates.MarketSummary
	decodeData(t, resp, &summary)
	if rec.Code != http.StatusOK || summary.TopGainer.Currency != "EUR" {
		t.Fatalf("摘要不正确: %d %+v", rec.Code, summary)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/rates/indicators", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sma":null`) {
		t.Fatalf("历史不足时指标应为 null: %s", rec.Body)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/rates/anomalies", "")
	var report rates.AnomalyReport
	decodeData(t, resp, &report)
	if rec.Code != http.StatusOK || !report.HasAnomaly || report.Anomalies[0].Currency != "EUR" {
		t.Fatalf("0.5 -> 0.6 应被标记为异常: %+v", report)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/rates/sources", "")
	var sources sourcesResponse
	decodeData(t, resp, &sources)
	if rec.Code != http.StatusOK || len(sources.Sources) != 1 || sources.Sources[0].Provider != "alpha" {
		t.Fatalf("来源不正确: %+v", sources)
	}
}

func TestCacheEndpoints(t *testing.T) {
	f := newFixture(t)
	if rec, _ := f.do(t, http.MethodPost, "/api/cache/warmup", `{"pairs":["USD_EUR"]}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("没有汇率时预热应返回 503, 实际 %d", rec.Code)
	}
	f.cycle(t)

	rec, resp := f.do(t, http.MethodPost, "/api/cache/warmup", `{"pairs":["USD_EUR","EUR_JPY","nope"]}`)
	var warm warmupResponse
	decodeData(t, resp, &warm)
	if rec.Code != http.StatusOK || warm.Stored != 2 || warm.Requested != 3 {
		t.Fatalf("预热结果不正确: %d %+v", rec.Code, warm)
	}
	if rec, _ := f.do(t, http.MethodPost, "/api/cache/warmup", `{"pairs":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("空列表应返回 400, 实际 %d", rec.Code)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/cache/stats", "")
	var stats cache.Stats
	decodeData(t, resp, &stats)
	if rec.Code != http.StatusOK || stats.Active != 2 {
		t.Fatalf("缓存统计不正确: %+v", stats)
	}

	if rec, _ := f.do(t, http.MethodDelete, "/api/cache/usd_eur", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("删除缓存应返回 204, 实际 %d", rec.Code)
	}
	_, resp = f.do(t, http.MethodGet, "/api/cache/stats", "")
	decodeData(t, resp, &stats)
	if stats.Total != 1 {
		t.Fatalf("删除后应剩 1 条, 实际 %d", stats.Total)
	}
	if rec, _ := f.do(t, http.MethodDelete, "/api/cache/garbage", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法 key 应返回 400, 实际 %d", rec.Code)
	}
}

func TestRefreshHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/rates/refresh", "")
	var refresh refreshResponse
	decodeData(t, resp, &refresh)
	if rec.Code != http.StatusOK || refresh.Cycle != 1 || refresh.Providers != 1 {
		t.Fatalf("手动刷新不正确: %d %+v", rec.Code, refresh)
	}

	f.source.sets = nil
	if rec, _ := f.do(t, http.MethodPost, "/api/rates/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("没有报价时应返回 503, 实际 %d", rec.Code)
	}

	rec, _ = f.do(t, http.MethodGet, "/healthz", "")
	var health healthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if rec.Code != http.StatusOK || health.Phase != "idle" || health.Cycle != 1 || health.Build.Version == "" {
		t.Fatalf("健康检查不正确: %+v", health)
	}

	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ratepipeline_cycles_total") {
		t.Fatalf("/metrics 应包含周期计数")
	}
}
