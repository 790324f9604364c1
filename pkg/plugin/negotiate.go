package plugin

import (
	"fmt"
	"log/slog"
	"os"

	xerrors "MetaHost/internal/errors"
)

// negotiation is the outcome of running the capability protocol against one
// candidate file. lib and api are set only when status is Running.
type negotiation struct {
	status    Status
	lib       Library
	api       API
	factories []Factory
	err       *xerrors.Error
}

type negotiator struct {
	loader     Loader
	host       Host
	minVersion int
	errLimit   int
	log        *slog.Logger
}

// negotiate opens path, resolves the entry point, checks the contract version
// and asks the module to load. Every step short-circuits on failure and no
// library handle survives a failed outcome.
func (n *negotiator) negotiate(id ID, path string) (out negotiation) {
	f, err := os.Open(path)
	if err != nil {
		return n.fail(StatusNotFound, xerrors.CodeNotFound, fmt.Sprintf("File not found: %s", path))
	}
	f.Close()

	lib, err := n.loader.Open(path)
	if err != nil {
		return n.fail(StatusError, xerrors.CodeLoadError, err.Error())
	}
	if lib == nil {
		return n.fail(StatusError, xerrors.CodeLoadError, "loader returned no library")
	}
	guard := newHandleGuard(lib, n.log, path)
	defer guard.release()

	defer func() {
		if r := recover(); r != nil {
			out = n.fail(StatusError, xerrors.CodeLoadError, fmt.Sprintf("plugin panicked during load: %v", r))
		}
	}()

	entry, err := lib.Lookup(EntrySymbol)
	if err != nil || entry == nil {
		return n.fail(StatusError, xerrors.CodeLoadError, fmt.Sprintf("Function %s not found", EntrySymbol))
	}

	api := entry(InterfaceName)
	if api == nil {
		return n.fail(StatusError, xerrors.CodeLoadError, "Failed to get API")
	}

	if version := api.APIVersion(); version < n.minVersion {
		return n.fail(StatusError, xerrors.CodeLoadError,
			fmt.Sprintf("Plugin API %d is out of date with required minimum (%d)", version, n.minVersion))
	}

	factories := &FactoryList{}
	errBuf := NewErrorBuffer(n.errLimit)
	if !api.Load(id, n.host, factories, errBuf) {
		out = n.fail(StatusRefused, xerrors.CodeRefused, errBuf.String())
		out.factories = factories.snapshot()
		return out
	}

	return negotiation{
		status:    StatusRunning,
		lib:       guard.keep(),
		api:       api,
		factories: factories.snapshot(),
	}
}

func (n *negotiator) fail(status Status, code xerrors.Code, msg string) negotiation {
	return negotiation{status: status, err: xerrors.New(code, msg).Truncate(n.errLimit)}
}
