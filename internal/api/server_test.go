package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MetaHost/internal/auth"
	"MetaHost/internal/console"
	xerrors "MetaHost/internal/errors"
	"MetaHost/internal/events"
	"MetaHost/internal/observability/metrics"
	"MetaHost/internal/storage/mysql"
	"MetaHost/pkg/plugin"
)

type fakeController struct {
	records map[plugin.ID]plugin.Info
	loadErr error
	loadID  plugin.ID
	vetoed  bool
}

func newFakeController() *fakeController {
	return &fakeController{records: map[plugin.ID]plugin.Info{
		1: {ID: 1, Path: "/plugins/a.so", Status: plugin.StatusRunning, Origin: plugin.HostID,
			Factories: []plugin.Factory{{Name: "alpha"}}},
		2: {ID: 2, Path: "/plugins/b.so", Status: plugin.StatusError, Origin: plugin.HostID},
	}}
}

func (f *fakeController) Records() []plugin.Info {
	out := make([]plugin.Info, 0, len(f.records))
	for id := plugin.ID(1); id <= 8; id++ {
		if info, ok := f.records[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func (f *fakeController) Query(id plugin.ID) (plugin.Info, error) {
	info, ok := f.records[id]
	if !ok {
		return plugin.Info{}, xerrors.Newf(xerrors.CodeInvalidIdentifier, "Plugin %d not found", id)
	}
	return info, nil
}

func (f *fakeController) LoadFile(path string) (plugin.ID, bool, error) {
	for id, info := range f.records {
		if info.Path == path {
			return id, true, nil
		}
	}
	if f.loadErr != nil {
		return f.loadID, false, f.loadErr
	}
	id := plugin.ID(len(f.records) + 1)
	f.records[id] = plugin.Info{ID: id, Path: path, Status: plugin.StatusRunning, Origin: plugin.HostID}
	return id, false, nil
}

func (f *fakeController) Unload(id plugin.ID) error {
	if _, ok := f.records[id]; !ok {
		return xerrors.Newf(xerrors.CodeInvalidIdentifier, "Plugin %d not found", id)
	}
	if f.vetoed {
		return xerrors.New(xerrors.CodeModuleVetoed, "busy")
	}
	delete(f.records, id)
	return nil
}

func (f *fakeController) setStatus(id plugin.ID, from, to plugin.Status) error {
	info, ok := f.records[id]
	if !ok {
		return xerrors.Newf(xerrors.CodeInvalidIdentifier, "Plugin %d not found", id)
	}
	if info.Status != from {
		return xerrors.Newf(xerrors.CodeInvalidTransition, "Plugin %d is not %s", id, from)
	}
	info.Status = to
	f.records[id] = info
	return nil
}

func (f *fakeController) Pause(id plugin.ID) error {
	return f.setStatus(id, plugin.StatusRunning, plugin.StatusPaused)
}

func (f *fakeController) Unpause(id plugin.ID) error {
	return f.setStatus(id, plugin.StatusPaused, plugin.StatusRunning)
}

func (f *fakeController) Refresh() (int, error) { return 0, nil }
func (f *fakeController) UnloadAll() bool       { return true }
func (f *fakeController) Version() string       { return "1.2.3" }

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestListAndGetPlugins(t *testing.T) {
	h := NewServer(":0", newFakeController()).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/plugins", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	list := decodeBody[struct {
		Plugins []PluginView `json:"plugins"`
	}](t, rec)
	if len(list.Plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(list.Plugins))
	}
	if list.Plugins[0].Status != "running" || !list.Plugins[0].Live || list.Plugins[0].Factories[0] != "alpha" {
		t.Fatalf("unexpected first plugin: %+v", list.Plugins[0])
	}
	if list.Plugins[1].Status != "ERROR" || list.Plugins[1].Live {
		t.Fatalf("unexpected second plugin: %+v", list.Plugins[1])
	}

	rec = do(t, h, http.MethodGet, "/api/v1/plugins/2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if got := decodeBody[PluginView](t, rec); got.ID != 2 || got.Path != "/plugins/b.so" {
		t.Fatalf("unexpected plugin: %+v", got)
	}
}

func TestPluginErrors(t *testing.T) {
	ctl := newFakeController()
	h := NewServer(":0", ctl).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown id", http.MethodGet, "/api/v1/plugins/9", "", http.StatusNotFound, "INVALID_IDENTIFIER"},
		{"host id", http.MethodDelete, "/api/v1/plugins/-1", "", http.StatusNotFound, "INVALID_IDENTIFIER"},
		{"pause failed record", http.MethodPost, "/api/v1/plugins/2/pause", "", http.StatusConflict, "INVALID_TRANSITION"},
		{"unpause running", http.MethodPost, "/api/v1/plugins/1/unpause", "", http.StatusConflict, "INVALID_TRANSITION"},
		{"empty path", http.MethodPost, "/api/v1/plugins", `{"path":""}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", http.MethodPost, "/api/v1/plugins", `{"file":"x"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound, "INVALID_ARGUMENT"},
		{"bad method", http.MethodPut, "/api/v1/plugins", "", http.StatusMethodNotAllowed, "INVALID_ARGUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if got := decodeBody[errorResponse](t, rec); got.Error.Code != tt.code {
				t.Fatalf("expected code %s, got %+v", tt.code, got.Error)
			}
		})
	}
}

func TestMethodNotAllowedListsMethods(t *testing.T) {
	h := NewServer(":0", newFakeController()).Handler()

	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodPut, "/api/v1/plugins", "GET, POST"},
		{http.MethodPost, "/api/v1/plugins/1", "GET, DELETE"},
		{http.MethodGet, "/api/v1/plugins/1/pause", "POST"},
		{http.MethodDelete, "/api/v1/history", "GET"},
	}
	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d (%s)", tt.method, tt.path, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Allow"); got != tt.allow {
			t.Fatalf("%s %s: expected Allow %q, got %q", tt.method, tt.path, tt.allow, got)
		}
	}
}

func TestLoadPlugin(t *testing.T) {
	ctl := newFakeController()
	h := NewServer(":0", ctl).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/plugins", `{"path":"/plugins/c.so"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	created := decodeBody[loadResponse](t, rec)
	if created.ID != 3 || created.Already || created.Plugin.Status != "running" {
		t.Fatalf("unexpected load response: %+v", created)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/plugins", `{"path":"/plugins/c.so"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if again := decodeBody[loadResponse](t, rec); again.ID != 3 || !again.Already {
		t.Fatalf("unexpected reload response: %+v", again)
	}
}

func TestLoadPluginFailureCarriesRecordID(t *testing.T) {
	ctl := newFakeController()
	ctl.loadID = 7
	ctl.loadErr = xerrors.New(xerrors.CodeLoadError, "Could not find CreateInterface_MMS function")
	h := NewServer(":0", ctl).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/plugins", `{"path":"/plugins/broken.so"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
	}
	got := decodeBody[errorResponse](t, rec)
	if got.ID == nil || *got.ID != 7 {
		t.Fatalf("expected record id 7, got %+v", got.ID)
	}
	if got.Error.Message != "Could not find CreateInterface_MMS function" {
		t.Fatalf("unexpected message: %q", got.Error.Message)
	}

	ctl.loadID = plugin.BadLoad
	ctl.loadErr = xerrors.New(xerrors.CodeInvalidArgument, "path outside allowed directories")
	rec = do(t, h, http.MethodPost, "/api/v1/plugins", `{"path":"/tmp/evil.so"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if got := decodeBody[errorResponse](t, rec); got.ID != nil {
		t.Fatalf("rejected path must not carry an id: %+v", got)
	}
}

func TestPauseUnpauseUnload(t *testing.T) {
	ctl := newFakeController()
	h := NewServer(":0", ctl).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/plugins/1/pause", "")
	if rec.Code != http.StatusOK || decodeBody[PluginView](t, rec).Status != "paused" {
		t.Fatalf("pause failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/plugins/1/unpause", "")
	if rec.Code != http.StatusOK || decodeBody[PluginView](t, rec).Status != "running" {
		t.Fatalf("unpause failed: %d %s", rec.Code, rec.Body.String())
	}

	ctl.vetoed = true
	rec = do(t, h, http.MethodDelete, "/api/v1/plugins/1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected veto conflict, got %d", rec.Code)
	}
	ctl.vetoed = false
	rec = do(t, h, http.MethodDelete, "/api/v1/plugins/1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if _, ok := ctl.records[1]; ok {
		t.Fatal("plugin 1 should be removed")
	}
}

func TestConsoleEndpoint(t *testing.T) {
	ctl := newFakeController()
	c := console.New()
	if err := console.RegisterMeta(c, ctl); err != nil {
		t.Fatalf("register meta: %v", err)
	}

	t.Run("disabled", func(t *testing.T) {
		rec := do(t, NewServer(":0", ctl).Handler(), http.MethodPost, "/api/v1/console", `{"line":"meta version"}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	h := NewServer(":0", ctl, WithConsole(c)).Handler()
	rec := do(t, h, http.MethodPost, "/api/v1/console", `{"line":"meta version"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, rec.Code, rec.Body.String())
	}
	if out := decodeBody[consoleResponse](t, rec).Output; !strings.Contains(out, "1.2.3") {
		t.Fatalf("expected version in output, got %q", out)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/console", `{"line":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	repo, err := mysql.NewMemoryHistoryRepository("", 16)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	base := time.UnixMilli(1700000000000)
	for i, kind := range []string{"loaded", "paused", "loaded"} {
		rec := events.Record{
			ID:        string(rune('a' + i)),
			Kind:      kind,
			PluginID:  int32(i + 1),
			Status:    "running",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	h := NewServer(":0", newFakeController(), WithHistory(repo)).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/history?kind=loaded", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	got := decodeBody[struct {
		Records []events.Record `json:"records"`
	}](t, rec)
	if len(got.Records) != 2 || got.Records[0].PluginID != 3 {
		t.Fatalf("unexpected history: %+v", got.Records)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/history?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	rec = do(t, NewServer(":0", newFakeController()).Handler(), http.MethodGet, "/api/v1/history", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestAuthAndMetrics(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Tokens: []auth.Token{
		{Name: "ops", Secret: "ops-secret", Permissions: []string{auth.PermissionAll}},
		{Name: "viewer", Secret: "view-secret", Permissions: []string{auth.PermissionPluginsRead}},
	}})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	m := metrics.New()
	h := NewServer(":0", newFakeController(), WithAuth(svc), WithMetrics(m)).Handler()

	if rec := do(t, h, http.MethodGet, "/api/v1/plugins", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	rec := do(t, h, http.MethodDelete, "/api/v1/plugins/1", "", "Authorization", "Bearer view-secret")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	if got := decodeBody[errorResponse](t, rec); got.Error.Code != "FORBIDDEN" {
		t.Fatalf("unexpected error body: %+v", got)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/plugins", "", "Authorization", "Bearer view-secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/plugins/2", "", "Authorization", "Bearer ops-secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	// health and metrics stay open
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `handler="plugins.list"`) {
		t.Fatalf("expected request metrics for plugins.list, got:\n%s", rec.Body.String())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	server := NewServer("127.0.0.1:0", newFakeController(), WithTimeouts(time.Second, time.Second, time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeNotFound:          http.StatusNotFound,
		xerrors.CodeLoadError:         http.StatusUnprocessableEntity,
		xerrors.CodeRefused:           http.StatusConflict,
		xerrors.CodeModuleVetoed:      http.StatusConflict,
		xerrors.CodeInvalidArgument:   http.StatusBadRequest,
		xerrors.CodeQueueFailure:      http.StatusServiceUnavailable,
		xerrors.CodeUnknown:           http.StatusInternalServerError,
		xerrors.CodeInvalidIdentifier: http.StatusNotFound,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Fatalf("statusOf(%s) = %d, want %d", code, got, want)
		}
	}
}
