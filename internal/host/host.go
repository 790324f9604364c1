// Package host owns the process-wide plugin registry. It serialises access to
// it, hands modules their service object, applies the path admission policy
// to external load requests and drives the plugins list.
package host

import (
	"log/slog"
	"path/filepath"
	"sync"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

// Host implements plugin.Host and plugin.Manager. Its methods are safe for
// concurrent use but must not be re-entered from inside a module's Load or
// Unload callback.
type Host struct {
	mu       sync.Mutex
	registry *plugin.Registry
	settings plugin.Settings
	version  string
	log      *slog.Logger
	closed   bool
}

type options struct {
	version   string
	loader    plugin.Loader
	observers []plugin.Observer
	log       *slog.Logger
}

// Option configures a Host.
type Option func(*options)

// WithVersion sets the version string reported to modules.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithLoader overrides the loader selected by the settings.
func WithLoader(l plugin.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithObservers registers registry observers.
func WithObservers(obs ...plugin.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// WithLogger overrides the host logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New builds a host and its registry.
func New(settings plugin.Settings, opts ...Option) (*Host, error) {
	if err := settings.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin settings")
	}
	o := options{version: "dev", log: logger.Named("host")}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.loader == nil {
		l, err := plugin.NewLoader(settings.Loader)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin loader")
		}
		o.loader = l
	}

	if err := absolute(&settings.Dir); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve plugin directory")
	}
	if err := absolute(&settings.ListFile); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve plugins list")
	}

	h := &Host{settings: settings, version: o.version, log: o.log}
	regOpts := append(settings.Options(), plugin.WithHost(h))
	for _, obs := range o.observers {
		regOpts = append(regOpts, plugin.WithObserver(obs))
	}
	h.registry = plugin.NewRegistry(o.loader, regOpts...)
	return h, nil
}

// Version implements plugin.Host.
func (h *Host) Version() string { return h.version }

// Logger implements plugin.Host.
func (h *Host) Logger(id plugin.ID) *slog.Logger {
	return logger.Named("plugin").With("plugin_id", id)
}

// Plugins implements plugin.Host.
func (h *Host) Plugins() plugin.Manager { return h }

// Load implements plugin.Manager. Relative paths are resolved against the
// plugin directory.
func (h *Host) Load(path string, origin plugin.ID) (plugin.ID, bool, error) {
	return h.load(h.settings.Resolve(path), origin)
}

// load expects path to be resolved already.
func (h *Host) load(path string, origin plugin.ID) (plugin.ID, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return plugin.BadLoad, false, xerrors.New(xerrors.CodeInvalidArgument, "host is shutting down")
	}
	return h.registry.Load(path, origin)
}

// LoadFile loads path on behalf of the host after checking it against the
// admission policy. Rejected paths create no record.
func (h *Host) LoadFile(path string) (plugin.ID, bool, error) {
	resolved := h.settings.Resolve(path)
	if err := h.settings.Policy.Validate(resolved); err != nil {
		h.log.Warn("plugin path rejected", "path", resolved, "error", err)
		return plugin.BadLoad, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, err.Error())
	}
	return h.load(resolved, plugin.HostID)
}

// Unload implements plugin.Manager.
func (h *Host) Unload(id plugin.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Unload(id)
}

// Pause implements plugin.Manager.
func (h *Host) Pause(id plugin.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Pause(id)
}

// Unpause implements plugin.Manager.
func (h *Host) Unpause(id plugin.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Unpause(id)
}

// Query implements plugin.Manager.
func (h *Host) Query(id plugin.ID) (plugin.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Query(id)
}

// Records implements plugin.Manager.
func (h *Host) Records() []plugin.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Records()
}

// UnloadAll forcibly unloads every plugin but leaves the host usable.
func (h *Host) UnloadAll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.UnloadAll()
}

// Refresh reads the plugins list and loads every entry that is not already
// live. It returns the number of plugins newly brought to a live state.
func (h *Host) Refresh() (int, error) {
	paths, err := plugin.LoadList(h.settings.ListFile, h.settings.Dir)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read plugins list")
	}
	loaded := 0
	for _, path := range paths {
		id, already, err := h.load(path, plugin.HostID)
		switch {
		case err != nil:
			h.log.Warn("plugins list entry failed", "path", path, "plugin_id", id, "error", xerrors.MessageOf(err))
		case !already:
			loaded++
		}
	}
	h.log.Info("plugins list processed", "file", h.settings.ListFile, "entries", len(paths), "loaded", loaded)
	return loaded, nil
}

// Shutdown unloads every plugin and rejects later loads. Only the first call
// has any effect; it reports whether every module agreed to unload.
func (h *Host) Shutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return true
	}
	h.closed = true
	clean := h.registry.UnloadAll()
	h.log.Info("host shut down", "clean", clean)
	return clean
}

// absolute makes *path absolute against the working directory.
func absolute(path *string) error {
	if *path == "" || filepath.IsAbs(*path) {
		return nil
	}
	abs, err := filepath.Abs(*path)
	if err != nil {
		return err
	}
	*path = abs
	return nil
}
