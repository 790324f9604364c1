package plugin

import (
	"log/slog"
)

const (
	// EntrySymbol is the exported symbol every module must provide.
	EntrySymbol = "CreateInterface_MMS"
	// InterfaceName is the capability-set name passed to the entry point.
	InterfaceName = "ISmmPlugin"
	// APIVersion is the capability contract version implemented by this host.
	APIVersion = 5
	// MinAPIVersion is the oldest contract version the host still accepts.
	MinAPIVersion = 4
	// DefaultErrorLimit is the diagnostic buffer size used when none is configured.
	DefaultErrorLimit = 256
)

// API is the capability object a module exposes through its entry point.
// Every method that can fail reports its diagnostic through errBuf.
type API interface {
	// APIVersion returns the contract version the module was built against.
	APIVersion() int
	// Load initialises the module. It receives the identifier allocated for
	// it, the host services, and the list it should append its factories to.
	Load(id ID, host Host, factories *FactoryList, errBuf *ErrorBuffer) bool
	Unload(errBuf *ErrorBuffer) bool
	Pause(errBuf *ErrorBuffer) bool
	Unpause(errBuf *ErrorBuffer) bool
}

// EntryPoint is the resolved EntrySymbol. It returns nil when the module
// does not implement the requested capability set.
type EntryPoint func(iface string) API

// Manager is the load/unload surface exposed to plugins and host
// subsystems.
type Manager interface {
	Load(path string, origin ID) (ID, bool, error)
	Unload(id ID) error
	Pause(id ID) error
	Unpause(id ID) error
	Query(id ID) (Info, error)
	Records() []Info
}

// Host is the service object handed to every module that accepts Load.
// Modules may keep it for the rest of their lifetime but must not call
// Plugins() from inside their own Load or Unload callbacks.
type Host interface {
	Version() string
	Logger(id ID) *slog.Logger
	Plugins() Manager
}

// Option modifies the behaviour of a registry instance.
type Option func(*Registry)

// WithHost sets the service object passed to modules on Load.
func WithHost(host Host) Option {
	return func(r *Registry) {
		if host != nil {
			r.host = host
		}
	}
}

// WithLogger overrides the registry logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithErrorLimit sets the maximum diagnostic length, terminator included,
// used for every error the registry reports.
func WithErrorLimit(limit int) Option {
	return func(r *Registry) {
		if limit > 0 {
			r.errLimit = limit
		}
	}
}

// WithMinAPIVersion raises or lowers the contract version gate.
func WithMinAPIVersion(version int) Option {
	return func(r *Registry) {
		if version > 0 {
			r.minVersion = version
		}
	}
}

// WithObserver registers an observer for lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}
