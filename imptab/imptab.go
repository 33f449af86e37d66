// Package imptab parses the in-memory image of a loaded module and exposes
// its patchable import slots: ELF PLT/GOT relocations, Mach-O lazy and
// non-lazy symbol pointer sections, and PE import address tables. Slots are
// enumerated once at open time; patching a slot is a protection-aware
// pointer-sized overwrite that returns the previous value.
package imptab

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/exp/constraints"
)

var (
	ErrModuleNotFound        = errors.New("module not found")
	ErrFormatMismatch        = errors.New("image format mismatch")
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrCorruptSymbolTable    = errors.New("corrupt symbol table")
	ErrProtectionChange      = errors.New("memory protection change failed")
)

// Format identifies the image format of an opened module.
type Format int

const (
	FormatELF Format = iota + 1
	FormatMachO
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	case FormatPE:
		return "PE"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Entry is one patchable import slot.
type Entry struct {
	// Name is the imported symbol name. Empty for PE imports resolved only
	// by ordinal.
	Name string

	// Library is the owning DLL name for PE imports, empty elsewhere.
	Library string

	// Ordinal is the import ordinal for nameless PE imports.
	Ordinal uint16

	// Slot is the address of the table cell holding the function pointer,
	// not the address of any code.
	Slot uintptr

	// Target is the pointer value read from Slot at enumeration time.
	Target uintptr

	// Prot holds the PROT_READ/PROT_WRITE/PROT_EXEC bits of the segment
	// covering Slot. Always 0 on Windows.
	Prot int
}

// Module is an opened, format-identified view of one loaded image. The entry
// list is computed during open and is immutable in membership and order for
// the lifetime of the Module.
type Module struct {
	format   Format
	base     uintptr
	path     string
	ptrWidth int
	entries  []Entry
}

// Open resolves identifier against the process's loaded modules and opens
// the image at its base address. An empty identifier means the main
// executable. Name matching follows the host loader's conventions: full
// path first, then basename.
func Open(identifier string) (*Module, error) {
	base, path, err := resolveModule(identifier)
	if err != nil {
		return nil, err
	}
	module, err := OpenAddress(base)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	module.path = path
	return module, nil
}

// OpenAddress opens the image whose header is mapped at base. The format is
// sniffed from the magic bytes; all parsing and enumeration happens here, so
// a returned Module is fully usable and a failed open returns nothing.
func OpenAddress(base uintptr) (*Module, error) {
	if base == 0 {
		return nil, fmt.Errorf("%w: nil base address", ErrFormatMismatch)
	}

	module := &Module{base: base}
	switch {
	case isELFMagic(base):
		module.format = FormatELF
		if err := module.enumerateELF(); err != nil {
			return nil, err
		}
	case isMachOMagic(base):
		module.format = FormatMachO
		if err := module.enumerateMachO(); err != nil {
			return nil, err
		}
	case isPEMagic(base):
		module.format = FormatPE
		if err := module.enumeratePE(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: no known magic at %#x", ErrFormatMismatch, base)
	}
	return module, nil
}

// Format returns the image format tag.
func (module *Module) Format() Format { return module.format }

// Base returns the image's base load address.
func (module *Module) Base() uintptr { return module.base }

// Path returns the canonical path the module was resolved from, if any.
func (module *Module) Path() string { return module.path }

// PointerWidth returns the slot width in bytes: 4 for 32-bit images, 8 for
// 64-bit images.
func (module *Module) PointerWidth() int { return module.ptrWidth }

// Entries returns the cached slot list. The slice is owned by the Module;
// callers must not mutate it.
func (module *Module) Entries() []Entry { return module.entries }

// Close releases parser-owned resources. The module image itself stays
// mapped (it is owned by the loader) and patched slots are never reverted.
func (module *Module) Close() {
	module.entries = nil
}

func isELFMagic(base uintptr) bool {
	return readU32(base) == 0x464c457f // "\x7fELF"
}

func isMachOMagic(base uintptr) bool {
	switch readU32(base) {
	case machoMagic32, machoMagic64:
		return true
	}
	return false
}

func isPEMagic(base uintptr) bool {
	if readU16(base) != 0x5a4d { // "MZ"
		return false
	}
	lfanew := readU32(base + 0x3c)
	if lfanew == 0 || lfanew > 0x10000000 {
		return false
	}
	return readU32(base+uintptr(lfanew)) == 0x00004550 // "PE\0\0"
}

// Protection bits for Entry.Prot. They match the POSIX PROT_* values so the
// unix patcher can hand them to mprotect directly; on Windows Prot is always
// zero and protection is tracked by the VirtualProtect round trip instead.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func readU16(addr uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(addr))
}

func readU32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func readU64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// readWord reads a slot-sized little-endian value: 4 bytes for 32-bit
// images, 8 for 64-bit ones.
func readWord(addr uintptr, width int) uint64 {
	if width == 4 {
		return uint64(readU32(addr))
	}
	return readU64(addr)
}

func writeWord(addr uintptr, width int, value uint64) {
	if width == 4 {
		*(*uint32)(unsafe.Pointer(addr)) = uint32(value)
		return
	}
	*(*uint64)(unsafe.Pointer(addr)) = value
}

func alignDown[I constraints.Integer](v, a I) I {
	return v &^ (a - 1)
}

func alignUp[I constraints.Integer](v, a I) I {
	return (v + a - 1) &^ (a - 1)
}

// cStringAt copies the NUL-terminated string at addr. limit bounds the scan;
// a missing terminator within limit returns ok=false.
func cStringAt(addr uintptr, limit int) (string, bool) {
	if addr == 0 {
		return "", false
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < limit; i++ {
		ch := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if ch == 0 {
			return string(buf), true
		}
		buf = append(buf, ch)
	}
	return "", false
}

func fixedCString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
