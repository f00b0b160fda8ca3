// Package api 暴露任务生命周期、订单查询与结算对账的 REST 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/idempotency"
	"ConciergeFlow/internal/observability/metrics"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/settlement"
	"ConciergeFlow/internal/task"
)

// Server 负责暴露 REST 接口，供外部驱动任务流水线。
type Server struct {
	addr   string
	tasks  *task.Service
	orders task.OrderStore
	ledger *settlement.Ledger
	idem   idempotency.Store
}

// Option 定义可选配置。
type Option func(*Server)

// WithOrderStore 配置订单查询后端。
func WithOrderStore(orders task.OrderStore) Option {
	return func(s *Server) {
		s.orders = orders
	}
}

// WithLedger 配置结算台账。
func WithLedger(ledger *settlement.Ledger) Option {
	return func(s *Server) {
		s.ledger = ledger
	}
}

// WithIdempotencyStore 配置幂等重放缓存。
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(s *Server) {
		s.idem = store
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.instrument("tasks_create", s.handleCreateTask))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("tasks_list", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/stats", s.instrument("tasks_stats", s.handleTaskStats))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("tasks_get", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/confirm", s.instrument("tasks_confirm", s.handleConfirmTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/execute", s.instrument("tasks_execute", s.handleExecuteTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/pause", s.instrument("tasks_pause", s.handlePauseTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.instrument("tasks_resume", s.handleResumeTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.instrument("tasks_cancel", s.handleCancelTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/replan", s.instrument("tasks_replan", s.handleReplanTask))
	mux.HandleFunc("GET /api/v1/orders", s.instrument("orders_list", s.handleListOrders))
	mux.HandleFunc("GET /api/v1/orders/{id}", s.instrument("orders_get", s.handleGetOrder))
	mux.HandleFunc("GET /api/v1/settlements", s.instrument("settlements_list", s.handleListSettlements))
	mux.HandleFunc("GET /api/v1/settlements/{id}", s.instrument("settlements_get", s.handleGetSettlement))
	mux.HandleFunc("POST /api/v1/reconciliation/run", s.instrument("reconciliation_run", s.handleRunReconciliation))
	mux.HandleFunc("GET /api/v1/reconciliation/runs", s.instrument("reconciliation_list", s.handleListReconciliations))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录每个端点的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if typed, ok := xerrors.From(err); ok {
		message = typed.Message()
	}
	writeJSON(w, statusFor(code), errorEnvelope{Error: errorBody{Code: string(code), Message: message}})
}

// statusFor 把统一错误码映射到 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case task.CodeTaskNotFound, xerrors.CodeNotFound, settlement.CodeSettlementMissing:
		return http.StatusNotFound
	case task.CodeTaskConflict, task.CodeTaskTerminal, xerrors.CodeConflict:
		return http.StatusConflict
	case task.CodeTaskValidation, plan.CodePlanValidation, xerrors.CodeInvalidArgument, settlement.CodeSettlementInvalid:
		return http.StatusBadRequest
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
