//go:build windows

package imptab

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// resolveModule maps an identifier to a loaded module's base address.
// HMODULE values are base addresses, so the handle doubles as the base. The
// lookup never loads anything: GetModuleHandleEx with UNCHANGED_REFCOUNT
// only finds modules that are already in the process.
func resolveModule(identifier string) (uintptr, string, error) {
	var name *uint16
	if identifier != "" {
		var err error
		name, err = windows.UTF16PtrFromString(identifier)
		if err != nil {
			return 0, "", fmt.Errorf("%w: %s", ErrModuleNotFound, identifier)
		}
	}

	var handle windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, name, &handle); err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", ErrModuleNotFound, identifier, err)
	}

	var buf [windows.MAX_PATH]uint16
	n, err := windows.GetModuleFileName(handle, &buf[0], uint32(len(buf)))
	if err != nil {
		return uintptr(handle), identifier, nil
	}
	return uintptr(handle), windows.UTF16ToString(buf[:n]), nil
}
