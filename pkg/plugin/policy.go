package plugin

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// PathPolicy restricts which files external callers may ask the host to
// load. The registry never consults it; the host applies it at its entry
// points.
type PathPolicy struct {
	AllowedDirs       []string `yaml:"allowedDirs"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
}

// Merge returns a new policy using values from other when not present.
func (p PathPolicy) Merge(other PathPolicy) PathPolicy {
	if len(p.AllowedDirs) == 0 {
		p.AllowedDirs = other.AllowedDirs
	}
	if len(p.AllowedExtensions) == 0 {
		p.AllowedExtensions = other.AllowedExtensions
	}
	return p
}

// Validate reports why path may not be loaded, or nil. An empty policy
// allows everything except an empty path.
func (p PathPolicy) Validate(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("plugin path cannot be empty")
	}
	if len(p.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		if !slices.ContainsFunc(p.AllowedExtensions, func(allowed string) bool {
			return strings.EqualFold(normaliseExt(allowed), ext)
		}) {
			return fmt.Errorf("extension %q is not permitted", ext)
		}
	}
	if len(p.AllowedDirs) == 0 {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve plugin path: %w", err)
	}
	for _, dir := range p.AllowedDirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %s is outside the permitted plugin directories", path)
}

func normaliseExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}
