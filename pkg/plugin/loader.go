package plugin

import (
	"debug/buildinfo"
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader opens shared modules. Implementations are the only place that
// touches dynamic-library primitives.
type Loader interface {
	Open(path string) (Library, error)
}

// Library is an open shared module.
type Library interface {
	// Lookup resolves symbol as the module entry point.
	Lookup(symbol string) (EntryPoint, error)
	// Close releases the native handle. The library must not be used afterwards.
	Close() error
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (Library, error)

// Open implements Loader.
func (f LoaderFunc) Open(path string) (Library, error) { return f(path) }

// GoPluginLoader opens modules built with -buildmode=plugin through the
// standard library. The Go runtime cannot unmap a plugin, so Close only
// forgets the handle and a later Open of the same file yields the same image.
type GoPluginLoader struct{}

// Open implements Loader.
func (GoPluginLoader) Open(path string) (Library, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &goLibrary{so: so}, nil
}

type goLibrary struct {
	so *goplugin.Plugin
}

func (l *goLibrary) Lookup(symbol string) (EntryPoint, error) {
	if l.so == nil {
		return nil, errors.New("library already closed")
	}
	sym, err := l.so.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	switch fn := sym.(type) {
	case func(string) API:
		return fn, nil
	case *func(string) API:
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("symbol %s is nil", symbol)
		}
		return *fn, nil
	case *EntryPoint:
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("symbol %s is nil", symbol)
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("symbol %s has unexpected type %T", symbol, sym)
	}
}

func (l *goLibrary) Close() error {
	l.so = nil
	return nil
}

// AutoLoader dispatches to the Go loader for files carrying Go build
// information and to the native loader for everything else.
type AutoLoader struct {
	Go     Loader
	Native Loader
}

// NewAutoLoader returns an AutoLoader over the default loaders.
func NewAutoLoader() *AutoLoader {
	return &AutoLoader{Go: GoPluginLoader{}, Native: NativeLoader{}}
}

// Open implements Loader.
func (a *AutoLoader) Open(path string) (Library, error) {
	if _, err := buildinfo.ReadFile(path); err == nil {
		return a.Go.Open(path)
	}
	return a.Native.Open(path)
}

// NewLoader returns the loader selected by kind: "go", "native" or "auto".
func NewLoader(kind string) (Loader, error) {
	switch kind {
	case "", "auto":
		return NewAutoLoader(), nil
	case "go":
		return GoPluginLoader{}, nil
	case "native":
		return NativeLoader{}, nil
	default:
		return nil, fmt.Errorf("unknown loader kind %q", kind)
	}
}
