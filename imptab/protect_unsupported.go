//go:build !windows && !darwin && !linux

package imptab

import "fmt"

func patchSlot(slot uintptr, width int, value uint64, prot int) (uint64, bool, error) {
	_ = slot
	_ = width
	_ = value
	_ = prot
	return 0, false, fmt.Errorf("%w: slot patching is only supported on windows, darwin, and linux", ErrProtectionChange)
}
