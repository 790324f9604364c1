package plugin

import "fmt"

// ID identifies a record in the registry. Identifiers are allocated in
// increasing order and never reused for the lifetime of the process.
type ID int32

const (
	// BadLoad is returned when a load request was rejected before a record
	// could be created.
	BadLoad ID = 0
	// HostID is the origin of loads requested by the host itself rather than
	// by another plugin.
	HostID ID = -1
	// MinID is the first identifier handed out by a registry.
	MinID ID = 1
)

func (id ID) String() string {
	switch id {
	case BadLoad:
		return "bad-load"
	case HostID:
		return "host"
	default:
		return fmt.Sprintf("%d", int32(id))
	}
}

// Status is the lifecycle position of a record. The failure states order
// below Paused, which is what Load relies on to decide whether an existing
// record may be superseded.
type Status int

const (
	StatusNotFound Status = iota
	StatusError
	StatusRefused
	StatusPaused
	StatusRunning
)

// Live reports whether a native handle is held open in this state.
func (s Status) Live() bool {
	return s >= StatusPaused
}

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "NOT FOUND"
	case StatusError:
		return "ERROR"
	case StatusRefused:
		return "REFUSED"
	case StatusPaused:
		return "paused"
	case StatusRunning:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Factory is a capability factory a module declared while loading. For
// native modules Interface holds the raw address the module supplied.
type Factory struct {
	Name      string
	Interface any
}

// FactoryList is the out-parameter modules append their factories to.
type FactoryList struct {
	items []Factory
}

// Add appends a factory declaration.
func (l *FactoryList) Add(name string, iface any) {
	l.items = append(l.items, Factory{Name: name, Interface: iface})
}

// Len returns the number of declared factories.
func (l *FactoryList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

func (l *FactoryList) snapshot() []Factory {
	if l == nil || len(l.items) == 0 {
		return nil
	}
	out := make([]Factory, len(l.items))
	copy(out, l.items)
	return out
}

// Info is the read-only view of a record returned by Query and Records.
type Info struct {
	ID        ID
	Path      string
	Status    Status
	Origin    ID
	Factories []Factory
}

// Command is a console command a plugin contributes to the host.
type Command struct {
	Name string
	Help string
	Run  func(args []string) (string, error)
}

// CommandProvider is implemented by capability objects that contribute
// console commands. The host mirrors them while the plugin is live.
type CommandProvider interface {
	Commands() []Command
}
