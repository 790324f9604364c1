package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeAPI struct {
	version   int
	refuse    string
	vetoes    map[string]string
	factories []string
	panicOn   string

	loadCalls   int
	unloadCalls int
	gotID       ID
	gotHost     Host
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{version: APIVersion, vetoes: map[string]string{}}
}

func (a *fakeAPI) APIVersion() int { return a.version }

func (a *fakeAPI) Load(id ID, host Host, factories *FactoryList, errBuf *ErrorBuffer) bool {
	a.loadCalls++
	a.gotID = id
	a.gotHost = host
	if a.panicOn == "load" {
		panic("boom")
	}
	for _, name := range a.factories {
		factories.Add(name, name+"-impl")
	}
	if a.refuse != "" {
		errBuf.Set(a.refuse)
		return false
	}
	return true
}

func (a *fakeAPI) answer(op string, errBuf *ErrorBuffer) bool {
	if msg, ok := a.vetoes[op]; ok {
		errBuf.Set(msg)
		return false
	}
	return true
}

func (a *fakeAPI) Unload(errBuf *ErrorBuffer) bool {
	a.unloadCalls++
	return a.answer("unload", errBuf)
}

func (a *fakeAPI) Pause(errBuf *ErrorBuffer) bool   { return a.answer("pause", errBuf) }
func (a *fakeAPI) Unpause(errBuf *ErrorBuffer) bool { return a.answer("unpause", errBuf) }

type fakeLibrary struct {
	api       *fakeAPI
	noSymbol  bool
	nilAPI    bool
	closed    bool
	closeHook func()
}

func (l *fakeLibrary) Lookup(symbol string) (EntryPoint, error) {
	if l.noSymbol || symbol != EntrySymbol {
		return nil, errors.New("undefined symbol: " + symbol)
	}
	return func(iface string) API {
		if l.nilAPI || iface != InterfaceName {
			return nil
		}
		return l.api
	}, nil
}

func (l *fakeLibrary) Close() error {
	if l.closeHook != nil {
		l.closeHook()
	}
	l.closed = true
	return nil
}

// fakeLoader hands out a fresh library per Open so tests can inspect every
// handle it created.
type fakeLoader struct {
	libs    map[string]func() *fakeLibrary
	openErr map[string]error
	opened  []*fakeLibrary
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{libs: map[string]func() *fakeLibrary{}, openErr: map[string]error{}}
}

func (l *fakeLoader) Open(path string) (Library, error) {
	if err, ok := l.openErr[path]; ok {
		return nil, err
	}
	mk, ok := l.libs[path]
	if !ok {
		return nil, errors.New(path + ": invalid ELF header")
	}
	lib := mk()
	l.opened = append(l.opened, lib)
	return lib, nil
}

func (l *fakeLoader) openHandles() int {
	n := 0
	for _, lib := range l.opened {
		if !lib.closed {
			n++
		}
	}
	return n
}

// moduleFile creates an empty file standing in for a shared module.
func moduleFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatalf("write module file: %v", err)
	}
	return path
}
