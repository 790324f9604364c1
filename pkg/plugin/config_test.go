package plugin

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadListSkipsCommentsAndResolvesRelativePaths(t *testing.T) {
	input := strings.Join([]string{
		"; server plugins",
		"// disabled/old.so",
		"",
		"   stats.so  ",
		"/opt/metahost/admin.so",
		"sub/dir/extra.so",
	}, "\n")

	got, err := ReadList(strings.NewReader(input), "/srv/addons")
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	want := []string{
		filepath.Join("/srv/addons", "stats.so"),
		"/opt/metahost/admin.so",
		filepath.Join("/srv/addons", "sub/dir/extra.so"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected paths: %v", got)
	}
}

func TestLoadListMissingFileIsEmpty(t *testing.T) {
	paths, err := LoadList(filepath.Join(t.TempDir(), "plugins.ini"), "")
	if err != nil {
		t.Fatalf("missing list should not fail: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no paths, got %v", paths)
	}
}

func TestLoadListReadsFile(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "plugins.ini")
	if err := os.WriteFile(list, []byte("a.so\n;b.so\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	paths, err := LoadList(list, dir)
	if err != nil {
		t.Fatalf("load list: %v", err)
	}
	if len(paths) != 1 || paths[0] != filepath.Join(dir, "a.so") {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name     string
		settings Settings
		wantErr  bool
	}{
		{name: "zero value", settings: Settings{}},
		{name: "native loader", settings: Settings{Loader: "native", ErrorLimit: 128}},
		{name: "unknown loader", settings: Settings{Loader: "jvm"}, wantErr: true},
		{name: "negative limit", settings: Settings{ErrorLimit: -1}, wantErr: true},
		{name: "negative version", settings: Settings{MinAPIVersion: -2}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.settings.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSettingsResolveAndOptions(t *testing.T) {
	s := Settings{Dir: "/srv/addons", ErrorLimit: 64, MinAPIVersion: 5}
	if got := s.Resolve("x.so"); got != filepath.Join("/srv/addons", "x.so") {
		t.Fatalf("unexpected resolve: %s", got)
	}
	if got := s.Resolve("/abs/x.so"); got != "/abs/x.so" {
		t.Fatalf("absolute paths must be kept: %s", got)
	}

	reg := NewRegistry(newFakeLoader(), s.Options()...)
	if reg.errLimit != 64 || reg.minVersion != 5 {
		t.Fatalf("options not applied: limit=%d version=%d", reg.errLimit, reg.minVersion)
	}
	defaults := NewRegistry(newFakeLoader(), Settings{}.Options()...)
	if defaults.errLimit != DefaultErrorLimit || defaults.minVersion != MinAPIVersion {
		t.Fatalf("zero settings must keep defaults: limit=%d version=%d", defaults.errLimit, defaults.minVersion)
	}
}
