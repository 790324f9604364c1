package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"MetaHost/internal/auth"
	"MetaHost/internal/console"
	xerrors "MetaHost/internal/errors"
	"MetaHost/internal/events"
	"MetaHost/internal/observability/metrics"
	"MetaHost/internal/storage/mysql"
	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

const maxBodyBytes = 1 << 20

// CommandRunner executes console command lines.
type CommandRunner interface {
	Execute(line string) (string, error)
}

// HistoryReader lists lifecycle records.
type HistoryReader interface {
	List(ctx context.Context, opts ...mysql.ListOption) ([]events.Record, error)
}

// Server 负责暴露插件管理的 REST 接口。
type Server struct {
	addr    string
	ctl     console.Controller
	console CommandRunner
	history HistoryReader
	auth    *auth.Service
	metrics *metrics.Metrics
	log     *slog.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithConsole 启用 /api/v1/console。
func WithConsole(c CommandRunner) Option {
	return func(s *Server) { s.console = c }
}

// WithHistory 启用 /api/v1/history。
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithAuth 为 /api/v1 下的所有路由启用令牌鉴权。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTimeouts 设置 HTTP 超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ctl console.Controller, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		ctl:             ctl,
		log:             logger.Named("api"),
		readTimeout:     15 * time.Second,
		writeTimeout:    15 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	endpoints := []endpoint{
		{"/plugins", http.MethodGet, "plugins.list", auth.PermissionPluginsRead, s.handleListPlugins},
		{"/plugins", http.MethodPost, "plugins.load", auth.PermissionPluginsWrite, s.handleLoadPlugin},
		{"/plugins/{id:-?[0-9]+}", http.MethodGet, "plugins.get", auth.PermissionPluginsRead, s.handleGetPlugin},
		{"/plugins/{id:-?[0-9]+}", http.MethodDelete, "plugins.unload", auth.PermissionPluginsWrite, s.handleUnloadPlugin},
		{"/plugins/{id:-?[0-9]+}/pause", http.MethodPost, "plugins.pause", auth.PermissionPluginsWrite, s.handlePause},
		{"/plugins/{id:-?[0-9]+}/unpause", http.MethodPost, "plugins.unpause", auth.PermissionPluginsWrite, s.handleUnpause},
		{"/console", http.MethodPost, "console", auth.PermissionConsole, s.handleConsole},
		{"/history", http.MethodGet, "history", auth.PermissionHistoryRead, s.handleHistory},
	}
	var paths []string
	allowed := make(map[string][]string)
	for _, e := range endpoints {
		s.route(api, e)
		if _, seen := allowed[e.path]; !seen {
			paths = append(paths, e.path)
		}
		allowed[e.path] = append(allowed[e.path], e.method)
	}
	// 子路由下 mux 会丢失方法不匹配的结果，每个路径需要显式的 405 兜底。
	for _, path := range paths {
		api.Handle(path, methodNotAllowed(allowed[path]))
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeInvalidArgument, "route not found"))
	})
	r.MethodNotAllowedHandler = methodNotAllowed(nil)
	return r
}

type endpoint struct {
	path    string
	method  string
	name    string
	perm    string
	handler http.HandlerFunc
}

func methodNotAllowed(methods []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if len(methods) > 0 {
			w.Header().Set("Allow", strings.Join(methods, ", "))
		}
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"))
	})
}

func (s *Server) route(r *mux.Router, e endpoint) {
	var handler http.Handler = e.handler
	handler = s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {e.perm}},
		AuditEvent:          e.name,
		OnDenied: func(w http.ResponseWriter, status int, err error) {
			code := "UNAUTHORIZED"
			if status == http.StatusForbidden {
				code = "FORBIDDEN"
			}
			writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
		},
	})(handler)
	if s.metrics != nil {
		handler = s.metrics.Middleware(e.name, handler)
	}
	r.Handle(e.path, handler).Methods(e.method).Name(e.name)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("admin api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.ctl.Version(),
		"plugins": len(s.ctl.Records()),
	})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	records := s.ctl.Records()
	views := make([]PluginView, 0, len(records))
	for _, info := range records {
		views = append(views, viewOf(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": views})
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "path is required"))
		return
	}

	id, already, err := s.ctl.LoadFile(req.Path)
	if err != nil {
		resp := errorResponse{Error: bodyOf(err)}
		if id != plugin.BadLoad {
			raw := int32(id)
			resp.ID = &raw
		}
		writeJSON(w, statusOf(xerrors.CodeOf(err)), resp)
		return
	}
	info, err := s.ctl.Query(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if already {
		status = http.StatusOK
	}
	writeJSON(w, status, loadResponse{ID: int32(id), Already: already, Plugin: viewOf(info)})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := pluginID(w, r)
	if !ok {
		return
	}
	info, err := s.ctl.Query(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := pluginID(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Unload(id); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.ctl.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.ctl.Unpause)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(plugin.ID) error) {
	id, ok := pluginID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		s.writeErr(w, err)
		return
	}
	info, err := s.ctl.Query(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if s.console == nil {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeInvalidArgument, "console is not enabled"))
		return
	}
	var req consoleRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.console.Execute(req.Line)
	s.log.Info("console command executed",
		"subject", auth.SubjectName(r.Context()),
		"line", req.Line,
		"ok", err == nil,
	)
	if err != nil {
		writeJSON(w, statusOf(xerrors.CodeOf(err)), errorResponse{Error: bodyOf(err), Output: out})
		return
	}
	writeJSON(w, http.StatusOK, consoleResponse{Output: out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeStorageFailure, "history is not configured"))
		return
	}
	q := r.URL.Query()
	var opts []mysql.ListOption
	for key, apply := range map[string]func(int) mysql.ListOption{
		"limit":  mysql.WithLimit,
		"offset": mysql.WithOffset,
		"plugin": func(n int) mysql.ListOption { return mysql.WithPlugin(int32(n)) },
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid %s %q", key, raw))
			return
		}
		opts = append(opts, apply(n))
	}
	if kind := q.Get("kind"); kind != "" {
		opts = append(opts, mysql.WithKind(kind))
	}

	records, err := s.history.List(r.Context(), opts...)
	if err != nil {
		s.writeErr(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list plugin history"))
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("admin api request failed", "code", code, "error", err)
	}
	writeError(w, status, err)
}

func pluginID(w http.ResponseWriter, r *http.Request) (plugin.ID, bool) {
	raw := mux.Vars(r)["id"]
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid plugin id %q", raw))
		return plugin.BadLoad, false
	}
	return plugin.ID(n), true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func bodyOf(err error) errorBody {
	return errorBody{Code: string(xerrors.CodeOf(err)), Message: xerrors.MessageOf(err)}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: bodyOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeUnknown, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
