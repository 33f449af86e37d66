package imptab

import "fmt"

// Replace overwrites the slot of the entry at index with target and returns
// the value the slot held before the write. The entry's cached Target is
// updated to match.
//
// If the covering page had to be made writable and restoring its original
// protection fails afterwards, the write has still committed: the previous
// value is returned together with an error wrapping ErrProtectionChange.
// A failure before the write performs no memory modification at all.
func (module *Module) Replace(index int, target uintptr) (uintptr, error) {
	if index < 0 || index >= len(module.entries) {
		return 0, fmt.Errorf("entry index %d out of range (%d entries)", index, len(module.entries))
	}
	entry := &module.entries[index]

	if module.ptrWidth == 4 && uint64(target)>>32 != 0 {
		return 0, fmt.Errorf("target %#x does not fit a 32-bit slot", target)
	}

	// A slot whose page is still writable at run time needs no protection
	// dance. RELRO-covered ELF slots never report the write bit and go
	// through patchSlot; Windows entries report Prot 0 and always take the
	// VirtualProtect round trip there.
	if entry.Prot&protWrite != 0 {
		old := readWord(entry.Slot, module.ptrWidth)
		writeWord(entry.Slot, module.ptrWidth, uint64(target))
		entry.Target = target
		return uintptr(old), nil
	}

	old, committed, err := patchSlot(entry.Slot, module.ptrWidth, uint64(target), entry.Prot)
	if committed {
		entry.Target = target
	}
	if err != nil {
		if !committed {
			return 0, err
		}
		return uintptr(old), err
	}
	return uintptr(old), nil
}
