//go:build linux || darwin

package imptab

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// patchSlot makes the page span covering the slot writable, swaps the slot
// value, and restores the segment protection recorded at enumeration time.
func patchSlot(slot uintptr, width int, value uint64, prot int) (old uint64, committed bool, err error) {
	pageSize := uintptr(unix.Getpagesize())
	start := alignDown(slot, pageSize)
	end := alignUp(slot+uintptr(width), pageSize)
	pages := unsafe.Slice((*byte)(ptrAt(start)), int(end-start))

	if err := unix.Mprotect(pages, prot|unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return 0, false, fmt.Errorf("%w: mprotect(%#x, %d): %v", ErrProtectionChange, start, len(pages), err)
	}

	old = readWord(slot, width)
	writeWord(slot, width, value)

	// No recorded protection means there is nothing trustworthy to restore;
	// leaving the page writable beats mapping it PROT_NONE.
	if prot == 0 {
		return old, true, nil
	}
	if err := unix.Mprotect(pages, prot); err != nil {
		// The write is already in place; report the failed restore but do
		// not pretend the patch did not happen.
		return old, true, fmt.Errorf("%w: restore protection (%#x, %d): %v", ErrProtectionChange, start, len(pages), err)
	}
	return old, true, nil
}
