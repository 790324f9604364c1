package plugin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Settings describes how the host builds its registry.
type Settings struct {
	Dir           string     `yaml:"dir"`
	ListFile      string     `yaml:"listFile"`
	Loader        string     `yaml:"loader"`
	ErrorLimit    int        `yaml:"errorLimit"`
	MinAPIVersion int        `yaml:"minApiVersion"`
	Policy        PathPolicy `yaml:"policy"`
}

// Options converts the settings into registry options.
func (s Settings) Options() []Option {
	return []Option{
		WithErrorLimit(s.ErrorLimit),
		WithMinAPIVersion(s.MinAPIVersion),
	}
}

// Validate ensures the settings are internally consistent.
func (s Settings) Validate() error {
	if s.ErrorLimit < 0 {
		return errors.New("plugin error limit cannot be negative")
	}
	if s.MinAPIVersion < 0 {
		return errors.New("plugin minimum API version cannot be negative")
	}
	switch s.Loader {
	case "", "auto", "go", "native":
	default:
		return fmt.Errorf("unknown plugin loader %q", s.Loader)
	}
	return nil
}

// Resolve returns path made absolute against the plugin directory.
func (s Settings) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.Dir == "" {
		return path
	}
	return filepath.Join(s.Dir, path)
}

// ReadList parses a plugins list: one path per line, blank lines and lines
// starting with ';' or '//' ignored. Relative paths are resolved against dir.
func ReadList(r io.Reader, dir string) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "//") {
			continue
		}
		if dir != "" && !filepath.IsAbs(line) {
			line = filepath.Join(dir, line)
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read plugins list: %w", err)
	}
	return paths, nil
}

// LoadList reads the plugins list file at path. A missing file yields an
// empty list.
func LoadList(path, dir string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open plugins list: %w", err)
	}
	defer f.Close()
	return ReadList(f, dir)
}
