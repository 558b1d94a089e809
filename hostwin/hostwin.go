//go:build windows

// Package hostwin is a convenience implementation of rewire.HostCallbacks
// for Windows hosts, backed by golang.org/x/sys/windows. It exists so a
// caller running on the target platform doesn't have to hand-write
// LoadLibrary/GetProcAddress shims; see
// other_examples/HackTestes-NopLoader for the same
// windows.NewLazySystemDLL/syscall-proc idiom this is grounded on.
package hostwin

import (
	"strconv"
	"strings"

	"golang.org/x/sys/windows"

	"peforge.dev/rewire"
)

var (
	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcAddress = modkernel32.NewProc("GetProcAddress")
)

// Callbacks returns a rewire.HostCallbacks backed by the real Windows
// loader: LoadModule loads the DLL through windows.NewLazySystemDLL, which
// searches only the Windows system directory for a base name;
// ResolveSymbol calls GetProcAddress (falling back to the ordinal-taking
// overload for names
// of the synthesized "#<ordinal>" form the import resolver uses for
// ordinal-only imports).
func Callbacks() rewire.HostCallbacks {
	return rewire.HostCallbacks{
		LoadModule:    loadModule,
		ResolveSymbol: resolveSymbol,
	}
}

func loadModule(name string) (uintptr, error) {
	dll := windows.NewLazySystemDLL(name)
	if err := dll.Load(); err != nil {
		return 0, err
	}
	return uintptr(dll.Handle()), nil
}

func resolveSymbol(module uintptr, name string) (uintptr, error) {
	if strings.HasPrefix(name, "#") {
		ordinal, err := strconv.Atoi(name[1:])
		if err != nil {
			return 0, err
		}
		addr, _, callErr := procGetProcAddress.Call(module, uintptr(ordinal))
		if addr == 0 {
			return 0, callErr
		}
		return addr, nil
	}
	addr, err := windows.GetProcAddress(windows.Handle(module), name)
	if err != nil {
		return 0, err
	}
	return addr, nil
}
