//go:build windows

package imptab

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// patchSlot flips the IAT page to PAGE_READWRITE, swaps the slot value, and
// restores whatever protection VirtualProtect reported. The prot argument is
// unused: Windows entries carry no recorded protection.
func patchSlot(slot uintptr, width int, value uint64, _ int) (old uint64, committed bool, err error) {
	size := uintptr(width)

	var oldProtect uint32
	if err := windows.VirtualProtect(slot, size, windows.PAGE_READWRITE, &oldProtect); err != nil {
		return 0, false, fmt.Errorf("%w: VirtualProtect(%#x): %v", ErrProtectionChange, slot, err)
	}

	old = readWord(slot, width)
	writeWord(slot, width, value)

	var scratch uint32
	if err := windows.VirtualProtect(slot, size, oldProtect, &scratch); err != nil {
		return old, true, fmt.Errorf("%w: restore protection (%#x): %v", ErrProtectionChange, slot, err)
	}
	return old, true, nil
}
