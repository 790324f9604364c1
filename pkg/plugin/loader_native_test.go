//go:build darwin || freebsd || linux

package plugin

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	xerrors "MetaHost/internal/errors"
)

const sampleSource = "../../examples/plugins/cabi/sample.c"

// buildModule compiles C sources into a shared object under t.TempDir and
// skips the test when no C compiler is available.
func buildModule(t *testing.T, name string, args ...string) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("cc not available")
	}
	out := filepath.Join(t.TempDir(), name)
	cmd := exec.Command(cc, append([]string{"-shared", "-fPIC", "-o", out}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("compile %s: %v\n%s", name, err, output)
	}
	return out
}

func TestNativeModuleLifecycle(t *testing.T) {
	path := buildModule(t, "sample.so", sampleSource)
	reg := newTestRegistry(NativeLoader{})

	id, already, err := reg.Load(path, HostID)
	if err != nil || already {
		t.Fatalf("load: id=%d already=%v err=%v", id, already, err)
	}
	info, err := reg.Query(id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if info.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", info.Status)
	}
	if len(info.Factories) != 1 || info.Factories[0].Name != "sample.counter" {
		t.Fatalf("unexpected factories: %+v", info.Factories)
	}

	if err := reg.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if info, _ := reg.Query(id); info.Status != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", info.Status)
	}
	if err := reg.Unpause(id); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if info, _ := reg.Query(id); info.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", info.Status)
	}
	assertHandleInvariant(t, reg)

	if err := reg.Unload(id); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("record survived unload")
	}

	again, _, err := reg.Load(path, HostID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again <= id {
		t.Fatalf("reload reused identifier %d (previous %d)", again, id)
	}
	if !reg.UnloadAll() {
		t.Fatalf("sample module should accept a forced unload")
	}
}

func TestNativeModuleRefusalIsTruncated(t *testing.T) {
	const limit = 16
	path := buildModule(t, "refuse.so", "-DMH_SAMPLE_REFUSE", sampleSource)
	reg := newTestRegistry(NativeLoader{}, WithErrorLimit(limit))

	id, _, err := reg.Load(path, HostID)
	assertCode(t, err, xerrors.CodeRefused)
	msg := xerrors.MessageOf(err)
	if msg == "" || len(msg) > limit-1 {
		t.Fatalf("diagnostic %q should be non-empty and at most %d bytes", msg, limit-1)
	}
	if !strings.HasPrefix(msg, "sample module") {
		t.Fatalf("unexpected diagnostic: %q", msg)
	}
	info, err := reg.Query(id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if info.Status != StatusRefused {
		t.Fatalf("expected REFUSED, got %s", info.Status)
	}
	assertHandleInvariant(t, reg)
}

func TestNativeModuleWithoutEntryPoint(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plain.c")
	if err := os.WriteFile(src, []byte("int answer(void) { return 42; }\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	path := buildModule(t, "plain.so", src)
	reg := newTestRegistry(NativeLoader{})

	id, _, err := reg.Load(path, HostID)
	assertCode(t, err, xerrors.CodeLoadError)
	if msg := xerrors.MessageOf(err); !strings.Contains(msg, EntrySymbol) {
		t.Fatalf("diagnostic should name %s: %q", EntrySymbol, msg)
	}
	if info, _ := reg.Query(id); info.Status != StatusError {
		t.Fatalf("expected ERROR, got %s", info.Status)
	}
	assertHandleInvariant(t, reg)
}
