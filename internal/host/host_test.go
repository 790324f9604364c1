package host

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/plugin"
)

type testAPI struct {
	host   plugin.Host
	veto   bool
	loaded int
}

func (a *testAPI) APIVersion() int { return plugin.APIVersion }

func (a *testAPI) Load(_ plugin.ID, host plugin.Host, _ *plugin.FactoryList, _ *plugin.ErrorBuffer) bool {
	a.host = host
	a.loaded++
	return true
}

func (a *testAPI) Unload(errBuf *plugin.ErrorBuffer) bool {
	if a.veto {
		errBuf.Set("busy")
		return false
	}
	return true
}

func (a *testAPI) Pause(*plugin.ErrorBuffer) bool   { return true }
func (a *testAPI) Unpause(*plugin.ErrorBuffer) bool { return true }

type testLibrary struct {
	api    *testAPI
	closed bool
}

func (l *testLibrary) Lookup(symbol string) (plugin.EntryPoint, error) {
	if symbol != plugin.EntrySymbol {
		return nil, errors.New("missing")
	}
	return func(string) plugin.API { return l.api }, nil
}

func (l *testLibrary) Close() error {
	l.closed = true
	return nil
}

type testLoader struct {
	mu   sync.Mutex
	apis map[string]*testAPI
	libs []*testLibrary
}

func (l *testLoader) Open(path string) (plugin.Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	api, ok := l.apis[filepath.Base(path)]
	if !ok {
		return nil, errors.New("not a module")
	}
	lib := &testLibrary{api: api}
	l.libs = append(l.libs, lib)
	return lib, nil
}

func writeModules(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("module"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestHostAutoloadsPluginsList(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a.so", "b.so")
	list := filepath.Join(dir, "metaplugins.ini")
	if err := os.WriteFile(list, []byte("; comment\na.so\nb.so\nmissing.so\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	apiA, apiB := &testAPI{}, &testAPI{}
	loader := &testLoader{apis: map[string]*testAPI{"a.so": apiA, "b.so": apiB}}

	h, err := New(plugin.Settings{Dir: dir, ListFile: list}, WithLoader(loader), WithVersion("9.9"))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	n, err := h.Refresh()
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 plugins loaded, got %d", n)
	}
	records := h.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records including the missing entry, got %d", len(records))
	}
	for _, info := range records {
		if info.Origin != plugin.HostID {
			t.Fatalf("list entries must be loaded on behalf of the host: %+v", info)
		}
	}
	if apiA.host != h || h.Version() != "9.9" || apiA.host.Plugins() != plugin.Manager(h) {
		t.Fatalf("modules should receive the host services object")
	}

	again, err := h.Refresh()
	if err != nil || again != 0 {
		t.Fatalf("second refresh should not reload live plugins: n=%d err=%v", again, err)
	}
	if apiA.loaded != 1 {
		t.Fatalf("live plugin loaded %d times", apiA.loaded)
	}
}

func TestRelativePluginDirResolvesOnce(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	if err := os.Mkdir("plugins", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeModules(t, "plugins", "a.so", "b.so")
	if err := os.WriteFile("metaplugins.ini", []byte("b.so\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	loader := &testLoader{apis: map[string]*testAPI{"a.so": {}, "b.so": {}}}

	h, err := New(plugin.Settings{Dir: "plugins", ListFile: "metaplugins.ini"}, WithLoader(loader))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	id, _, err := h.LoadFile("a.so")
	if err != nil {
		t.Fatalf("load a.so: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	info, _ := h.Query(id)
	want := filepath.Join(cwd, "plugins", "a.so")
	if info.Path != want || info.Status != plugin.StatusRunning {
		t.Fatalf("expected %s running, got %+v", want, info)
	}

	if n, err := h.Refresh(); err != nil || n != 1 {
		t.Fatalf("refresh: n=%d err=%v", n, err)
	}
	if _, already, err := h.Load("b.so", plugin.HostID); err != nil || !already {
		t.Fatalf("b.so should already be live: already=%v err=%v", already, err)
	}
	for _, rec := range h.Records() {
		if strings.Count(rec.Path, "plugins") != 1 || rec.Status != plugin.StatusRunning {
			t.Fatalf("path resolved more than once: %+v", rec)
		}
	}
}

func TestLoadFileAppliesPolicy(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "ok.so", "bad.dll")
	loader := &testLoader{apis: map[string]*testAPI{"ok.so": {}, "bad.dll": {}}}
	settings := plugin.Settings{
		Dir:    dir,
		Policy: plugin.PathPolicy{AllowedDirs: []string{dir}, AllowedExtensions: []string{".so"}},
	}
	h, err := New(settings, WithLoader(loader))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	id, already, err := h.LoadFile("bad.dll")
	if id != plugin.BadLoad || already || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected BadLoad with INVALID_ARGUMENT, got id=%d err=%v", id, err)
	}
	if _, _, err := h.LoadFile(filepath.Join(dir, "..", "escape.so")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("paths outside the plugin dir must be rejected, got %v", err)
	}
	if len(h.Records()) != 0 {
		t.Fatalf("rejected paths must not create records")
	}

	id, _, err = h.LoadFile("ok.so")
	if err != nil || id != plugin.MinID {
		t.Fatalf("load ok.so: id=%d err=%v", id, err)
	}
	info, err := h.Query(id)
	if err != nil || info.Path != filepath.Join(dir, "ok.so") {
		t.Fatalf("relative path should be resolved: %+v %v", info, err)
	}
	if err := h.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.Unpause(id); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := h.Unload(id); err != nil {
		t.Fatalf("unload: %v", err)
	}
}

func TestShutdownUnloadsOnceAndRejectsLoads(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "sticky.so")
	sticky := &testAPI{veto: true}
	loader := &testLoader{apis: map[string]*testAPI{"sticky.so": sticky}}
	h, err := New(plugin.Settings{Dir: dir}, WithLoader(loader))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	if _, _, err := h.Load("sticky.so", plugin.HostID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if h.Shutdown() {
		t.Fatalf("shutdown should report the vetoing module")
	}
	if len(h.Records()) != 0 || !loader.libs[0].closed {
		t.Fatalf("shutdown must release every module")
	}
	if !h.Shutdown() {
		t.Fatalf("second shutdown is a no-op")
	}
	_, _, err = h.Load("sticky.so", plugin.HostID)
	if err == nil || !strings.Contains(xerrors.MessageOf(err), "shutting down") {
		t.Fatalf("loads after shutdown must fail, got %v", err)
	}
}

func TestHostIsSafeForConcurrentUse(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a.so")
	loader := &testLoader{apis: map[string]*testAPI{"a.so": {}}}
	h, err := New(plugin.Settings{Dir: dir}, WithLoader(loader))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := h.Load("a.so", plugin.HostID)
			if err != nil {
				t.Errorf("load: %v", err)
				return
			}
			_, _ = h.Query(id)
			_ = h.Records()
		}()
	}
	wg.Wait()
	if len(h.Records()) != 1 {
		t.Fatalf("concurrent loads of one path must share a record, got %d", len(h.Records()))
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	if _, err := New(plugin.Settings{Loader: "jvm"}); err == nil {
		t.Fatalf("expected error for unknown loader")
	}
}
