//go:build !(darwin || freebsd || linux)

package plugin

import (
	"fmt"
	"runtime"
)

// NativeLoader is unavailable on this platform.
type NativeLoader struct{}

// Open implements Loader.
func (NativeLoader) Open(string) (Library, error) {
	return nil, fmt.Errorf("native modules are not supported on %s", runtime.GOOS)
}
