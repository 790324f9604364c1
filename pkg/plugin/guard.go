package plugin

import "log/slog"

// handleGuard owns a freshly opened library until the module reaches a live
// state. release closes it on every path where keep was not called.
type handleGuard struct {
	lib  Library
	kept bool
	log  *slog.Logger
	path string
}

func newHandleGuard(lib Library, log *slog.Logger, path string) *handleGuard {
	return &handleGuard{lib: lib, log: log, path: path}
}

// keep disarms the guard and transfers ownership of the library to the caller.
func (g *handleGuard) keep() Library {
	g.kept = true
	return g.lib
}

func (g *handleGuard) release() {
	if g.kept || g.lib == nil {
		return
	}
	if err := g.lib.Close(); err != nil && g.log != nil {
		g.log.Warn("close plugin library failed", "path", g.path, "error", err)
	}
	g.lib = nil
}
