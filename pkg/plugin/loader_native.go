//go:build darwin || freebsd || linux

package plugin

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// maxNativeFactories bounds the factory array handed to native modules.
// Must match MH_MAX_FACTORIES in metahost_plugin.h.
const maxNativeFactories = 64

// NativeLoader opens C ABI modules with dlopen. The module's capability
// object is a pointer to a struct whose first field points at an
// mh_plugin_vtable; see examples/plugins/cabi/metahost_plugin.h.
type NativeLoader struct{}

// Open implements Loader.
func (NativeLoader) Open(path string) (Library, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &nativeLibrary{handle: handle}, nil
}

type nativeLibrary struct {
	handle uintptr
}

func (l *nativeLibrary) Lookup(symbol string) (EntryPoint, error) {
	if l.handle == 0 {
		return nil, errors.New("library already closed")
	}
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, fmt.Errorf("symbol %s resolved to null", symbol)
	}
	var create func(name string, returnCode *int32) uintptr
	purego.RegisterFunc(&create, addr)
	return func(iface string) API {
		var rc int32
		self := create(iface, &rc)
		if self == 0 {
			return nil
		}
		return newNativeAPI(self)
	}, nil
}

func (l *nativeLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

// nativeVTable mirrors mh_plugin_vtable.
type nativeVTable struct {
	getAPIVersion uintptr
	load          uintptr
	unload        uintptr
	pause         uintptr
	unpause       uintptr
}

// nativeObject mirrors mh_plugin.
type nativeObject struct {
	vtable *nativeVTable
}

// nativeFactory mirrors mh_factory. Both fields point into module memory.
type nativeFactory struct {
	name  uintptr
	iface uintptr
}

// nativeFactoryList mirrors mh_factory_list. It is allocated by the host as a
// single block so the module never sees a Go pointer inside Go memory.
type nativeFactoryList struct {
	count    int32
	capacity int32
	entries  [maxNativeFactories]nativeFactory
}

type bufferCall func(self uintptr, errBuf *byte, maxlen uintptr) bool

type nativeAPI struct {
	self          uintptr
	getAPIVersion func(self uintptr) int32
	load          func(self uintptr, id int32, hostVersion int32, list *nativeFactoryList, errBuf *byte, maxlen uintptr) bool
	unload        bufferCall
	pause         bufferCall
	unpause       bufferCall
}

func newNativeAPI(self uintptr) *nativeAPI {
	obj := moduleMemory[nativeObject](self)
	api := &nativeAPI{self: self}
	vt := obj.vtable
	if vt == nil {
		return api
	}
	bind := func(fptr any, cfn uintptr) {
		if cfn != 0 {
			purego.RegisterFunc(fptr, cfn)
		}
	}
	bind(&api.getAPIVersion, vt.getAPIVersion)
	bind(&api.load, vt.load)
	bind(&api.unload, vt.unload)
	bind(&api.pause, vt.pause)
	bind(&api.unpause, vt.unpause)
	return api
}

// moduleMemory views an address returned by a native module. The memory is
// owned by C code inside the module, never by the Go heap, so the garbage
// collector neither moves nor frees it while the module stays open. The
// address is reinterpreted through &addr rather than converted directly.
func moduleMemory[T any](addr uintptr) *T {
	return (*T)(*(*unsafe.Pointer)(unsafe.Pointer(&addr)))
}

func (a *nativeAPI) APIVersion() int {
	if a.getAPIVersion == nil {
		return 0
	}
	return int(a.getAPIVersion(a.self))
}

// Load passes the host contract version in place of the Go services
// object, which C modules cannot consume.
func (a *nativeAPI) Load(id ID, _ Host, factories *FactoryList, errBuf *ErrorBuffer) bool {
	if a.load == nil {
		errBuf.Set("module vtable has no Load entry")
		return false
	}
	list := &nativeFactoryList{capacity: maxNativeFactories}
	buf := make([]byte, bufferSize(errBuf))
	ok := a.load(a.self, int32(id), APIVersion, list, &buf[0], uintptr(len(buf)))

	count := int(list.count)
	if count > maxNativeFactories {
		count = maxNativeFactories
	}
	for i := 0; i < count; i++ {
		entry := list.entries[i]
		name := ""
		if entry.name != 0 {
			name = unix.BytePtrToString(moduleMemory[byte](entry.name))
		}
		factories.Add(name, entry.iface)
	}
	runtime.KeepAlive(list)
	return finishCall(ok, buf, errBuf)
}

func (a *nativeAPI) Unload(errBuf *ErrorBuffer) bool {
	return a.call(a.unload, "Unload", errBuf)
}

func (a *nativeAPI) Pause(errBuf *ErrorBuffer) bool {
	return a.call(a.pause, "Pause", errBuf)
}

func (a *nativeAPI) Unpause(errBuf *ErrorBuffer) bool {
	return a.call(a.unpause, "Unpause", errBuf)
}

func (a *nativeAPI) call(fn bufferCall, name string, errBuf *ErrorBuffer) bool {
	if fn == nil {
		errBuf.Printf("module vtable has no %s entry", name)
		return false
	}
	buf := make([]byte, bufferSize(errBuf))
	ok := fn(a.self, &buf[0], uintptr(len(buf)))
	return finishCall(ok, buf, errBuf)
}

func bufferSize(errBuf *ErrorBuffer) int {
	if n := errBuf.Limit(); n > 0 {
		return n
	}
	return DefaultErrorLimit
}

// finishCall copies the NUL-terminated diagnostic out of buf. A successful
// call always leaves errBuf empty.
func finishCall(ok bool, buf []byte, errBuf *ErrorBuffer) bool {
	buf[len(buf)-1] = 0
	if ok {
		errBuf.Reset()
	} else {
		errBuf.Set(unix.ByteSliceToString(buf))
	}
	runtime.KeepAlive(buf)
	return ok
}
