package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "ConciergeFlow/internal/errors"
	"ConciergeFlow/internal/idempotency"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/task"
)

// replanRequest 是重新规划的入参，留空的字段沿用任务现状。
type replanRequest struct {
	Intent      string           `json:"intent,omitempty"`
	Constraints plan.Constraints `json:"constraints"`
	Memory      plan.Memory      `json:"memory,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "读取请求体失败"))
		return
	}
	var req task.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	s.serveIdempotent(w, r, body, func() (int, any, error) {
		created, err := s.tasks.Create(r.Context(), req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, created, nil
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleConfirmTask(w http.ResponseWriter, r *http.Request) {
	confirmed, err := s.tasks.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmed)
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "读取请求体失败"))
		return
	}
	s.serveIdempotent(w, r, body, func() (int, any, error) {
		queued, err := s.tasks.Execute(r.Context(), r.PathValue("id"))
		if err != nil {
			return 0, nil, err
		}
		// 执行是异步的，这里只承诺任务已入队。
		return http.StatusAccepted, queued, nil
	})
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	decodeOptionalBody(r, &req)
	paused, err := s.tasks.Pause(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paused)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	resumed, err := s.tasks.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resumed)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	decodeOptionalBody(r, &req)
	canceled, err := s.tasks.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

func (s *Server) handleReplanTask(w http.ResponseWriter, r *http.Request) {
	var req replanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	replanned, err := s.tasks.Replan(r.Context(), r.PathValue("id"), req.Intent, req.Constraints, req.Memory)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replanned)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未初始化"))
		return
	}
	orders, err := s.orders.ListOrders(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未初始化"))
		return
	}
	order, err := s.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算台账未初始化"))
		return
	}
	settlements, err := s.ledger.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算台账未初始化"))
		return
	}
	found, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算台账未初始化"))
		return
	}
	run, err := s.ledger.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "结算台账未初始化"))
		return
	}
	runs, err := s.ledger.Runs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// serveIdempotent 对带幂等键的请求做重放缓存：同键同体重放首次响应，
// 同键不同体报冲突。只有成功响应会进入缓存。
func (s *Server) serveIdempotent(w http.ResponseWriter, r *http.Request, body []byte, handle func() (int, any, error)) {
	key := strings.TrimSpace(r.Header.Get(idempotency.Header))
	if key == "" || s.idem == nil {
		status, payload, err := handle()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, status, payload)
		return
	}

	storeKey := idempotency.Key(r.Method, r.URL.Path, key)
	requestHash := idempotency.Hash(body)
	entry, hit, conflict, err := s.idem.Get(r.Context(), storeKey, requestHash)
	if err == nil {
		if conflict {
			s.writeError(w, xerrors.New(xerrors.CodeConflict, "幂等键已绑定另一个请求体"))
			return
		}
		if hit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(entry.StatusCode)
			_, _ = w.Write(entry.Body)
			return
		}
	}
	// 缓存读取失败按未命中处理，端点语义自身仍是幂等兜底。

	status, payload, err := handle()
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.idem.Set(r.Context(), storeKey, idempotency.Entry{
		RequestHash: requestHash,
		StatusCode:  status,
		Body:        data,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// listOptionsFromQuery 把查询参数翻译成任务列表过滤器。
func listOptionsFromQuery(r *http.Request) []task.ListOption {
	query := r.URL.Query()
	var opts []task.ListOption
	if limit := queryInt(r, "limit"); limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset := queryInt(r, "offset"); offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(status)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if category := query.Get("category"); category != "" {
		opts = append(opts, task.WithCategory(plan.IntentCategory(category)))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if since := queryInt64(r, "updated_since"); since > 0 {
		opts = append(opts, task.WithUpdatedSince(time.UnixMilli(since)))
	}
	if until := queryInt64(r, "updated_until"); until > 0 {
		opts = append(opts, task.WithUpdatedUntil(time.UnixMilli(until)))
	}
	return opts
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func queryInt64(r *http.Request, name string) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

// decodeOptionalBody 解析可留空的请求体，解析失败视为空入参。
func decodeOptionalBody(r *http.Request, target any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(target)
}
