// Package api 提供只读为主的 HTTP 接口与 WebSocket 行情推送。
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"moneybot/infrastructure/alert"
	"moneybot/infrastructure/logger"
	"moneybot/internal/engine"
	"moneybot/market"
	"moneybot/metrics"
	"moneybot/order"
	"moneybot/portfolio"
	"moneybot/posttrade"
	"moneybot/risk"
)

const (
	defaultDepth = 20
	maxDepth     = 500
)

// Deps 是接口层依赖的组件。
type Deps struct {
	Market    *market.Service
	Portfolio *portfolio.Manager
	Risk      *risk.Manager
	Orders    *order.Manager
	Engine    *engine.TradingEngine
	Metrics   *metrics.Metrics
	Alerts    *alert.Manager
	PostTrade *posttrade.Analyzer
	Logger    *logger.Logger
}

// Route 描述一条 REST 路由。
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

// Server 持有路由和依赖。
type Server struct {
	deps   Deps
	router *mux.Router
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	s := &Server{deps: deps}
	s.router = s.newRouter()
	return s
}

// Handler 返回根 http.Handler。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() []Route {
	return []Route{
		{"Book", http.MethodGet, "/api/book/{symbol}", s.getBook},
		{"Trades", http.MethodGet, "/api/trades/{symbol}", s.getTrades},
		{"Symbols", http.MethodGet, "/api/symbols", s.getSymbols},
		{"Portfolio", http.MethodGet, "/api/portfolio", s.getPortfolio},
		{"PortfolioHistory", http.MethodGet, "/api/portfolio/history", s.getPortfolioHistory},
		{"Orders", http.MethodGet, "/api/orders", s.getOrders},
		{"Risk", http.MethodGet, "/api/risk", s.getRisk},
		{"RiskHalt", http.MethodPost, "/api/risk/halt", s.postHalt},
		{"RiskResume", http.MethodPost, "/api/risk/resume", s.postResume},
		{"Health", http.MethodGet, "/api/health", s.getHealth},
		{"Stats", http.MethodGet, "/api/stats", s.getStats},
		{"Alerts", http.MethodGet, "/api/alerts", s.getAlerts},
		{"PostTrade", http.MethodGet, "/api/posttrade", s.getPostTrade},
		{"ws", http.MethodGet, "/ws", s.serveWS},
	}
}

func (s *Server) newRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	for _, route := range s.routes() {
		var handler http.Handler = route.HandlerFunc
		handler = s.restLogger(handler, route.Name)
		router.
			Path(route.Pattern).
			Methods(route.Method).
			Name(route.Name).
			Handler(handler)
	}
	if s.deps.Metrics != nil {
		router.Path("/metrics").Methods(http.MethodGet).Name("Metrics").Handler(s.deps.Metrics.Handler())
	}
	// 路径存在但方法不符时返回 405 而不是 404
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	return router
}

// restLogger 记录每个请求的方法、路径与耗时。
func (s *Server) restLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		s.deps.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.String("route", name),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth, err := intParam(r, "depth", defaultDepth)
	if err != nil || depth <= 0 || depth > maxDepth {
		writeError(w, http.StatusBadRequest, "depth must be within 1.."+strconv.Itoa(maxDepth))
		return
	}
	ob, ok := s.deps.Market.Lookup(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	bid, ask := ob.Best()
	writeJSON(w, http.StatusOK, bookResponse{
		Snapshot:  ob.Snapshot(depth),
		BestBid:   bid,
		BestAsk:   ask,
		Mid:       ob.Mid(),
		SpreadBps: ob.SpreadBps(),
		Imbalance: ob.Imbalance(depth),
	})
}

type bookResponse struct {
	market.Snapshot
	BestBid   float64 `json:"bestBid"`
	BestAsk   float64 `json:"bestAsk"`
	Mid       float64 `json:"mid"`
	SpreadBps float64 `json:"spreadBps"`
	Imbalance float64 `json:"imbalance"`
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit, err := intParam(r, "limit", 100)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	ob, ok := s.deps.Market.Lookup(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, ob.RecentTrades(limit))
}

func (s *Server) getSymbols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Market.Symbols())
}

func (s *Server) getPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Portfolio.Snapshot())
}

func (s *Server) getPortfolioHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Portfolio.History(limit))
}

func (s *Server) getOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeJSON(w, http.StatusOK, []order.Order{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orders.ActiveOrders(r.URL.Query().Get("symbol")))
}

func (s *Server) getRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Risk.Status())
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) postHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "halted via api"
	}
	if s.deps.Engine != nil {
		s.deps.Engine.HaltTrading(req.Reason)
	} else {
		s.deps.Risk.Halt(req.Reason)
	}
	s.deps.Logger.LogRisk("api_halt", zap.String("reason", req.Reason), zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, s.deps.Risk.Status())
}

func (s *Server) postResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine != nil {
		if err := s.deps.Engine.ResumeTrading(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	} else {
		s.deps.Risk.Resume()
	}
	s.deps.Logger.LogRisk("api_resume", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, s.deps.Risk.Status())
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine == nil {
		st := s.deps.Risk.Status()
		writeJSON(w, http.StatusOK, engine.Health{TradingEnabled: st.TradingEnabled, HaltReason: st.HaltReason, Healthy: true})
		return
	}
	h := s.deps.Engine.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusNotFound, "engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.GetStatistics())
}

func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, []alert.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Alerts.Recent(limit))
}

func (s *Server) getPostTrade(w http.ResponseWriter, _ *http.Request) {
	if s.deps.PostTrade == nil {
		writeJSON(w, http.StatusOK, []posttrade.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.PostTrade.Stats())
}

func intParam(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
