package plugin

import (
	"log/slog"
	"slices"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/logger"
)

type record struct {
	id        ID
	path      string
	lib       Library
	api       API
	status    Status
	factories []Factory
	origin    ID
}

func (rec *record) live() bool {
	return rec.lib != nil && rec.api != nil
}

func (rec *record) info() Info {
	info := Info{
		ID:     rec.id,
		Path:   rec.path,
		Status: rec.status,
		Origin: rec.origin,
	}
	if len(rec.factories) > 0 {
		info.Factories = make([]Factory, len(rec.factories))
		copy(info.Factories, rec.factories)
	}
	return info
}

// Registry owns every plugin record for the lifetime of the host. It is not
// safe for concurrent use: callers exposing it to several goroutines must
// serialise access themselves.
type Registry struct {
	loader     Loader
	host       Host
	log        *slog.Logger
	errLimit   int
	minVersion int
	observers  []Observer

	records []*record
	nextID  ID
}

// NewRegistry constructs an empty registry. A nil loader selects the
// AutoLoader.
func NewRegistry(loader Loader, opts ...Option) *Registry {
	if loader == nil {
		loader = NewAutoLoader()
	}
	r := &Registry{
		loader:     loader,
		log:        logger.Named("plugin"),
		errLimit:   DefaultErrorLimit,
		minVersion: MinAPIVersion,
		nextID:     MinID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load loads the module at path on behalf of origin. If a live record for
// the same path exists its identifier is returned with already set and
// nothing is loaded. A failed record for the path is purged first. Otherwise
// exactly one new record is created, whatever the outcome, and its
// identifier is returned together with the failure diagnostic, if any. Once
// every positive identifier has been handed out further loads fail with
// LOAD_ERROR and BadLoad.
func (r *Registry) Load(path string, origin ID) (id ID, already bool, err error) {
	if rec := r.findLive(path); rec != nil {
		return rec.id, true, nil
	}
	// nextID wraps past math.MaxInt32; identifiers are never reused.
	if r.nextID < MinID {
		r.log.Warn("plugin identifiers exhausted", "path", path)
		return BadLoad, false, r.fail(xerrors.CodeLoadError, "Plugin identifiers exhausted")
	}
	r.purgeFailed(path)

	rec := &record{id: r.nextID, path: path, origin: origin}
	r.nextID++
	r.records = append(r.records, rec)

	n := r.negotiator().negotiate(rec.id, path)
	rec.status = n.status
	rec.lib = n.lib
	rec.api = n.api
	rec.factories = n.factories

	if n.err != nil {
		err = n.err
		r.log.Warn("plugin failed to load",
			"plugin_id", rec.id, "path", path, "status", rec.status.String(), "error", n.err.Message())
	} else {
		r.log.Info("plugin loaded",
			"plugin_id", rec.id, "path", path, "origin", origin, "factories", len(rec.factories))
	}
	r.notify(Event{Kind: EventLoaded, Plugin: rec.info(), API: rec.api, Err: err})
	return rec.id, false, err
}

// Unload asks a live module to unload and, if it accepts, closes its handle
// and erases the record. Records whose handle is already released are erased
// unconditionally.
func (r *Registry) Unload(id ID) error {
	rec := r.find(id)
	if rec == nil {
		return r.fail(xerrors.CodeInvalidIdentifier, "Plugin id not found")
	}
	if rec.live() {
		errBuf := NewErrorBuffer(r.errLimit)
		if !rec.api.Unload(errBuf) {
			r.log.Warn("plugin refused to unload", "plugin_id", id, "error", errBuf.String())
			return r.fail(xerrors.CodeModuleVetoed, errBuf.String())
		}
		r.release(rec, false)
	}
	r.remove(rec)
	r.log.Info("plugin unloaded", "plugin_id", id, "path", rec.path)
	return nil
}

// Pause moves a running module to Paused if the module agrees.
func (r *Registry) Pause(id ID) error {
	return r.transition(id, StatusRunning, StatusPaused, "Plugin cannot be paused")
}

// Unpause moves a paused module back to Running if the module agrees.
func (r *Registry) Unpause(id ID) error {
	return r.transition(id, StatusPaused, StatusRunning, "Plugin cannot be unpaused")
}

func (r *Registry) transition(id ID, from, to Status, invalid string) error {
	rec := r.find(id)
	if rec == nil {
		return r.fail(xerrors.CodeInvalidIdentifier, "Plugin id not found")
	}
	if rec.status != from || !rec.live() {
		return r.fail(xerrors.CodeInvalidTransition, invalid)
	}

	errBuf := NewErrorBuffer(r.errLimit)
	var ok bool
	kind := EventPaused
	if to == StatusPaused {
		ok = rec.api.Pause(errBuf)
	} else {
		ok = rec.api.Unpause(errBuf)
		kind = EventUnpaused
	}
	if !ok {
		r.log.Warn("plugin rejected state change",
			"plugin_id", id, "from", from.String(), "to", to.String(), "error", errBuf.String())
		return r.fail(xerrors.CodeModuleVetoed, errBuf.String())
	}

	rec.status = to
	r.log.Info("plugin state changed", "plugin_id", id, "status", to.String())
	r.notify(Event{Kind: kind, Plugin: rec.info(), API: rec.api})
	return nil
}

// Query returns a read-only view of the record for id.
func (r *Registry) Query(id ID) (Info, error) {
	rec := r.find(id)
	if rec == nil {
		return Info{}, r.fail(xerrors.CodeInvalidIdentifier, "Plugin id not found")
	}
	return rec.info(), nil
}

// Records returns a snapshot of every record in identifier order. The
// snapshot is unaffected by later registry mutations.
func (r *Registry) Records() []Info {
	out := make([]Info, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.info())
	}
	return out
}

// Len returns the number of records, failed ones included.
func (r *Registry) Len() int {
	return len(r.records)
}

// UnloadAll tears the registry down. Every live module is asked to unload
// but its answer does not stop the sweep: handles are closed and every
// record is erased. It returns false if any module refused.
func (r *Registry) UnloadAll() bool {
	snapshot := r.records
	r.records = nil

	ok := true
	for _, rec := range snapshot {
		if rec.live() {
			errBuf := NewErrorBuffer(r.errLimit)
			if !rec.api.Unload(errBuf) {
				ok = false
				r.log.Warn("plugin refused forced unload", "plugin_id", rec.id, "error", errBuf.String())
			}
			r.release(rec, true)
		}
		r.notify(Event{Kind: EventRemoved, Plugin: rec.info(), Forced: true})
	}
	r.log.Info("all plugins unloaded", "count", len(snapshot), "clean", ok)
	return ok
}

func (r *Registry) negotiator() *negotiator {
	return &negotiator{
		loader:     r.loader,
		host:       r.host,
		minVersion: r.minVersion,
		errLimit:   r.errLimit,
		log:        r.log,
	}
}

// release lets observers run against the still-valid capability object,
// then closes the handle.
func (r *Registry) release(rec *record, forced bool) {
	r.notify(Event{Kind: EventReleasing, Plugin: rec.info(), API: rec.api, Forced: forced})
	if err := rec.lib.Close(); err != nil {
		r.log.Warn("close plugin library failed", "plugin_id", rec.id, "path", rec.path, "error", err)
	}
	rec.lib = nil
	rec.api = nil
}

func (r *Registry) find(id ID) *record {
	for _, rec := range r.records {
		if rec.id == id {
			return rec
		}
	}
	return nil
}

func (r *Registry) findLive(path string) *record {
	for _, rec := range r.records {
		if rec.path == path && rec.status.Live() {
			return rec
		}
	}
	return nil
}

func (r *Registry) purgeFailed(path string) {
	var purged []*record
	r.records = slices.DeleteFunc(r.records, func(rec *record) bool {
		if rec.path == path && !rec.status.Live() {
			purged = append(purged, rec)
			return true
		}
		return false
	})
	for _, rec := range purged {
		r.log.Debug("purging failed plugin record", "plugin_id", rec.id, "path", path)
		r.notify(Event{Kind: EventRemoved, Plugin: rec.info()})
	}
}

func (r *Registry) remove(rec *record) {
	for i, cur := range r.records {
		if cur == rec {
			r.records = slices.Delete(r.records, i, i+1)
			break
		}
	}
	r.notify(Event{Kind: EventRemoved, Plugin: rec.info()})
}

func (r *Registry) notify(e Event) {
	for _, o := range r.observers {
		r.observe(o, e)
	}
}

func (r *Registry) observe(o Observer, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("plugin observer panicked", "event", e.Kind.String(), "plugin_id", e.Plugin.ID, "panic", p)
		}
	}()
	o.Observe(e)
}

func (r *Registry) fail(code xerrors.Code, msg string) error {
	return xerrors.New(code, msg).Truncate(r.errLimit)
}
