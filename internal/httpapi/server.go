package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"signal-engine-go/internal/models"
	"signal-engine-go/internal/monitor"
	"signal-engine-go/internal/orchestrator"
	"signal-engine-go/internal/risk"
	"signal-engine-go/internal/strategy"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Engine 运维接口需要的编排器操作
type Engine interface {
	Status() []strategy.InstanceStatus
	StartInstance(id string) error
	StopInstance(id string) error
	PauseAll()
	ResumeAll()
	EmergencyExit(reason string) *risk.EmergencyReport
	CollectMetrics() models.MetricsSnapshot
}

// RiskView 风控状态的只读视图
type RiskView interface {
	Snapshot() models.RiskState
}

// AlertBook 告警与规则
type AlertBook interface {
	Alerts() []models.Alert
	ActiveAlerts() []models.Alert
	Resolve(id string) error
	Rules() []monitor.Rule
}

// Server 运维HTTP接口
type Server struct {
	engine  Engine
	risk    RiskView
	alerts  AlertBook
	metrics http.Handler
	logger  *zap.Logger
}

func NewServer(engine Engine, riskView RiskView, alerts AlertBook, metrics http.Handler, logger *zap.Logger) *Server {
	return &Server{engine: engine, risk: riskView, alerts: alerts, metrics: metrics, logger: logger}
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/risk", s.getRisk)
		r.Get("/portfolio", s.getPortfolio)

		r.Get("/alerts", s.listAlerts)
		r.Post("/alerts/{id}/resolve", s.resolveAlert)
		r.Get("/rules", s.listRules)

		r.Get("/strategies", s.listStrategies)
		r.Post("/strategies/{id}/start", s.startStrategy)
		r.Post("/strategies/{id}/stop", s.stopStrategy)

		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
		r.Post("/emergency-exit", s.emergencyExit)
	})
	return r
}

// ListenAndServe 启动服务, ctx 取消后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("运维HTTP接口已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	m := s.engine.CollectMetrics()
	status := http.StatusOK
	body := map[string]interface{}{
		"status":            "ok",
		"connected":         m.SystemConnected,
		"active_strategies": m.SystemActiveStrategies,
	}
	if !m.SystemConnected {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) getRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CollectMetrics())
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.alerts.Alerts()
	if r.URL.Query().Get("active") == "true" {
		alerts = s.alerts.ActiveAlerts()
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.alerts.Resolve(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Rules())
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) startStrategy(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.engine.StartInstance)
}

func (s *Server) stopStrategy(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.engine.StopInstance)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		s.writeError(w, err)
		return
	}
	for _, st := range s.engine.Status() {
		if st.ID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.engine.PauseAll()
	s.logger.Warn("运维请求暂停所有策略", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.engine.ResumeAll()
	s.logger.Info("运维请求恢复所有策略", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, s.engine.Status())
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

type emergencyResponse struct {
	Reason   string            `json:"reason"`
	Targeted int               `json:"targeted"`
	Failures map[string]string `json:"failures"`
}

func (s *Server) emergencyExit(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.logger.Error("运维请求紧急退出", zap.String("reason", req.Reason), zap.String("remote", r.RemoteAddr))

	report := s.engine.EmergencyExit(req.Reason)
	resp := emergencyResponse{Reason: req.Reason, Failures: map[string]string{}}
	if report != nil {
		resp.Targeted = len(report.Targeted)
		for id, err := range report.Failures {
			resp.Failures[id] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownInstance), errors.Is(err, monitor.ErrUnknownAlert):
		status = http.StatusNotFound
	default:
		s.logger.Error("运维请求失败", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// logRequests 记录每个请求的方法、路径、状态码和耗时
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
