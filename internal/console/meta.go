package console

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/plugin"
)

// Controller is the host surface the meta command drives.
type Controller interface {
	Records() []plugin.Info
	Query(id plugin.ID) (plugin.Info, error)
	// LoadFile loads path on behalf of the host after admission checks.
	LoadFile(path string) (plugin.ID, bool, error)
	Unload(id plugin.ID) error
	Pause(id plugin.ID) error
	Unpause(id plugin.ID) error
	Refresh() (int, error)
	UnloadAll() bool
	Version() string
}

const metaUsage = `usage: meta <command> [args]
  list               list plugins
  info <id>          show plugin details
  load <file>        load a plugin
  unload <id>        unload a plugin
  pause <id>         pause a plugin
  unpause <id>       unpause a plugin
  refresh            load new entries from the plugins list
  clear              unload every plugin
  version            show host and plugin API versions
  cmds <id>          list commands registered by a plugin`

// RegisterMeta installs the built-in meta command on c.
func RegisterMeta(c *Console, ctl Controller) error {
	m := &meta{console: c, ctl: ctl}
	return c.Register(plugin.HostID, plugin.Command{
		Name: "meta",
		Help: "Plugin host control",
		Run:  m.run,
	})
}

type meta struct {
	console *Console
	ctl     Controller
}

func (m *meta) run(args []string) (string, error) {
	if len(args) == 0 {
		return metaUsage, nil
	}
	sub, rest := strings.ToLower(args[0]), args[1:]
	switch sub {
	case "list":
		return m.list(), nil
	case "info":
		return m.withID(rest, "info", m.info)
	case "load":
		if len(rest) != 1 {
			return "", usage("usage: meta load <file>")
		}
		return m.load(rest[0])
	case "unload":
		return m.withID(rest, "unload", func(id plugin.ID) (string, error) {
			if err := m.ctl.Unload(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Plugin %d unloaded.", id), nil
		})
	case "pause":
		return m.withID(rest, "pause", func(id plugin.ID) (string, error) {
			if err := m.ctl.Pause(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Plugin %d paused.", id), nil
		})
	case "unpause":
		return m.withID(rest, "unpause", func(id plugin.ID) (string, error) {
			if err := m.ctl.Unpause(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Plugin %d unpaused.", id), nil
		})
	case "refresh":
		n, err := m.ctl.Refresh()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Plugins list refreshed, %d new plugin(s) loaded.", n), nil
	case "clear":
		if m.ctl.UnloadAll() {
			return "All plugins unloaded.", nil
		}
		return "All plugins unloaded; some refused and were removed forcibly.", nil
	case "version":
		return fmt.Sprintf("MetaHost %s\nPlugin API %d (minimum accepted %d)", m.ctl.Version(), plugin.APIVersion, plugin.MinAPIVersion), nil
	case "cmds":
		return m.withID(rest, "cmds", m.cmds)
	default:
		return "", usage("Unknown meta command: %s\n%s", sub, metaUsage)
	}
}

func (m *meta) withID(args []string, sub string, fn func(plugin.ID) (string, error)) (string, error) {
	if len(args) != 1 {
		return "", usage("usage: meta %s <id>", sub)
	}
	id, err := parseID(args[0])
	if err != nil {
		return "", err
	}
	return fn(id)
}

func (m *meta) list() string {
	records := m.ctl.Records()
	var b strings.Builder
	fmt.Fprintf(&b, "Listing %d plugin(s):", len(records))
	for _, info := range records {
		fmt.Fprintf(&b, "\n  [%02d] %-9s %s", info.ID, info.Status, info.Path)
	}
	return b.String()
}

func (m *meta) info(id plugin.ID) (string, error) {
	info, err := m.ctl.Query(id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Plugin %d\n  Path: %s\n  Status: %s\n  Loaded by: %s", info.ID, info.Path, info.Status, info.Origin)
	if len(info.Factories) > 0 {
		b.WriteString("\n  Factories:")
		for _, f := range info.Factories {
			fmt.Fprintf(&b, "\n    %s", f.Name)
		}
	}
	return b.String(), nil
}

func (m *meta) load(path string) (string, error) {
	id, already, err := m.ctl.LoadFile(path)
	switch {
	case err != nil && id == plugin.BadLoad:
		return "", err
	case err != nil:
		return fmt.Sprintf("Failed to load plugin %s (%s), recorded as id %d.", path, xerrors.MessageOf(err), id), err
	case already:
		return fmt.Sprintf("Plugin already loaded with id %d.", id), nil
	default:
		return fmt.Sprintf("Plugin %q loaded with id %d.", path, id), nil
	}
}

func (m *meta) cmds(id plugin.ID) (string, error) {
	if _, err := m.ctl.Query(id); err != nil {
		return "", err
	}
	entries := m.console.Entries(&id)
	var b strings.Builder
	fmt.Fprintf(&b, "Plugin %d registered %d command(s):", id, len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n  %-16s %s", e.Name, e.Help)
	}
	return b.String(), nil
}

func parseID(s string) (plugin.ID, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return plugin.BadLoad, usage("invalid plugin id %q", s)
	}
	return plugin.ID(n), nil
}
