// Package console implements the host command line: a registry of named
// commands, the observer that mirrors plugin-provided commands into it, and
// the built-in meta command.
package console

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	xerrors "MetaHost/internal/errors"
	"MetaHost/pkg/logger"
	"MetaHost/pkg/plugin"
)

// Entry describes a registered command.
type Entry struct {
	Name  string    `json:"name"`
	Help  string    `json:"help"`
	Owner plugin.ID `json:"owner"`
}

type registered struct {
	cmd   plugin.Command
	owner plugin.ID
}

// Console is safe for concurrent use.
type Console struct {
	mu   sync.RWMutex
	cmds map[string]registered
	log  *slog.Logger
}

// New returns an empty console.
func New() *Console {
	return &Console{cmds: make(map[string]registered), log: logger.Named("console")}
}

// Register adds cmd under its name on behalf of owner. Names are case
// insensitive and must be unique.
func (c *Console) Register(owner plugin.ID, cmd plugin.Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" || strings.ContainsAny(name, " \t") {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "invalid command name %q", cmd.Name)
	}
	if cmd.Run == nil {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "command %s has no handler", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cmds[name]; ok {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "command %s already registered by %s", name, existing.owner)
	}
	cmd.Name = name
	c.cmds[name] = registered{cmd: cmd, owner: owner}
	return nil
}

// Unregister removes a command by name.
func (c *Console) Unregister(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cmds[name]; !ok {
		return false
	}
	delete(c.cmds, name)
	return true
}

// UnregisterOwner removes every command registered by owner and returns how
// many were removed.
func (c *Console) UnregisterOwner(owner plugin.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for name, reg := range c.cmds {
		if reg.owner == owner {
			delete(c.cmds, name)
			n++
		}
	}
	return n
}

// Lookup returns the command registered under name.
func (c *Console) Lookup(name string) (plugin.Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.cmds[strings.ToLower(name)]
	return reg.cmd, ok
}

// Entries lists registered commands sorted by name. A non-nil owner filter
// restricts the list to that owner.
func (c *Console) Entries(owner *plugin.ID) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.cmds))
	for _, reg := range c.cmds {
		if owner != nil && reg.owner != *owner {
			continue
		}
		out = append(out, Entry{Name: reg.cmd.Name, Help: reg.cmd.Help, Owner: reg.owner})
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Execute parses line and runs the named command. A panicking command is
// reported as an error.
func (c *Console) Execute(line string) (out string, err error) {
	args, err := Split(line)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "empty command")
	}
	cmd, ok := c.Lookup(args[0])
	if !ok {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "Unknown command: %s", args[0])
	}
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("console command panicked", "command", cmd.Name, "panic", p)
			err = xerrors.Newf(xerrors.CodeUnknown, "command %s panicked: %v", cmd.Name, p)
		}
	}()
	return cmd.Run(args[1:])
}

// Split breaks a command line into arguments. Double quotes group words and
// a backslash escapes the next character inside quotes.
func Split(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		escaped bool
		hasArg  bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			hasArg = true
		case (r == ' ' || r == '\t') && !inQuote:
			if hasArg {
				args = append(args, cur.String())
				cur.Reset()
				hasArg = false
			}
		default:
			cur.WriteRune(r)
			hasArg = true
		}
	}
	if inQuote {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unterminated quote")
	}
	if hasArg {
		args = append(args, cur.String())
	}
	return args, nil
}

// Mirror is a plugin.Observer that registers the commands of modules whose
// capability object implements plugin.CommandProvider while they are live.
type Mirror struct {
	console *Console
	log     *slog.Logger
}

// NewMirror returns a Mirror feeding c.
func NewMirror(c *Console) *Mirror {
	return &Mirror{console: c, log: logger.Named("console")}
}

// Observe implements plugin.Observer.
func (m *Mirror) Observe(e plugin.Event) {
	switch e.Kind {
	case plugin.EventLoaded:
		if e.Plugin.Status != plugin.StatusRunning {
			return
		}
		provider, ok := e.API.(plugin.CommandProvider)
		if !ok {
			return
		}
		for _, cmd := range provider.Commands() {
			if err := m.console.Register(e.Plugin.ID, cmd); err != nil {
				m.log.Warn("plugin command not registered", "plugin_id", e.Plugin.ID, "command", cmd.Name, "error", err)
			}
		}
	case plugin.EventReleasing, plugin.EventRemoved:
		if n := m.console.UnregisterOwner(e.Plugin.ID); n > 0 {
			m.log.Debug("plugin commands removed", "plugin_id", e.Plugin.ID, "count", n)
		}
	}
}

func usage(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}
