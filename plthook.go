// Package plthook redirects calls made through a loaded module's procedure
// linkage tables: ELF PLT/GOT entries, Mach-O lazy and non-lazy symbol
// pointers, and PE import address tables. Open a module, enumerate its
// import slots, and replace a slot's target with your own function while
// keeping the previous address so the original can be restored.
//
// Patches are permanent until explicitly undone: closing an ObjectFile never
// reverts them, because code elsewhere may have captured the patched pointer
// and depend on it staying live.
package plthook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/plthook/imptab"
)

var (
	ErrClosed         = errors.New("plthook: object file is closed")
	ErrSymbolNotFound = errors.New("plthook: symbol not found")
)

// Engine error kinds, re-exported so callers can errors.Is against either
// package.
var (
	ErrModuleNotFound        = imptab.ErrModuleNotFound
	ErrFormatMismatch        = imptab.ErrFormatMismatch
	ErrUnsupportedRelocation = imptab.ErrUnsupportedRelocation
	ErrCorruptSymbolTable    = imptab.ErrCorruptSymbolTable
	ErrProtectionChange      = imptab.ErrProtectionChange
)

// Format identifies a module's image format.
type Format = imptab.Format

const (
	FormatELF   = imptab.FormatELF
	FormatMachO = imptab.FormatMachO
	FormatPE    = imptab.FormatPE
)

// Symbol is one patchable import slot of an opened module.
type Symbol struct {
	// Name of the imported symbol. Empty for PE imports resolved only by
	// ordinal. Mach-O names have the leading C underscore stripped, so the
	// same name works on every format.
	Name string

	// Library is the DLL the import comes from (PE only).
	Library string

	// Ordinal is the import ordinal for nameless PE imports.
	Ordinal uint16

	// Slot is the address of the table cell holding the function pointer.
	Slot uintptr

	// Target is the address the slot currently resolves to, as of the last
	// enumeration or patch through this handle.
	Target uintptr

	// Prot carries the PROT_READ/PROT_WRITE/PROT_EXEC bits of the segment
	// covering the slot. Always 0 on Windows.
	Prot int
}

// ObjectFile is an opened view of one loaded module. The symbol list is
// computed once when the file is opened; patching mutates a single entry's
// recorded target and nothing else. Concurrent reads are safe; concurrent
// Replace calls are serialized by the handle's lock, but the underlying
// table write itself is not fenced against threads running through the slot
// (a thread mid-call may see either address).
type ObjectFile struct {
	mu     sync.RWMutex
	module *imptab.Module
	closed bool
}

// OpenMainProgram opens the running executable.
func OpenMainProgram() (*ObjectFile, error) {
	return Open("")
}

// Open opens a loaded module by name or path; the empty string means the
// main program. Matching follows the host loader's conventions (full path
// first, then basename).
func Open(identifier string) (*ObjectFile, error) {
	module, err := imptab.Open(identifier)
	if err != nil {
		return nil, fmt.Errorf("plthook: %w", err)
	}
	return &ObjectFile{module: module}, nil
}

// OpenAddress opens the module whose image is mapped at base, for callers
// that already hold a load address (for example from dlopen). The address is
// not validated beyond its format magic.
func OpenAddress(base uintptr) (*ObjectFile, error) {
	module, err := imptab.OpenAddress(base)
	if err != nil {
		return nil, fmt.Errorf("plthook: %w", err)
	}
	return &ObjectFile{module: module}, nil
}

// Symbols returns a snapshot of the module's import slots in the order the
// backing tables present them. The order is stable for the lifetime of the
// handle, so indexes remain valid for ReplaceAt.
func (object *ObjectFile) Symbols() ([]Symbol, error) {
	object.mu.RLock()
	defer object.mu.RUnlock()

	if object.closed {
		return nil, ErrClosed
	}

	entries := object.module.Entries()
	symbols := make([]Symbol, len(entries))
	for i, entry := range entries {
		symbols[i] = Symbol{
			Name:    entry.Name,
			Library: entry.Library,
			Ordinal: entry.Ordinal,
			Slot:    entry.Slot,
			Target:  entry.Target,
			Prot:    entry.Prot,
		}
	}
	return symbols, nil
}

// Replace redirects the first slot whose symbol name equals name to target
// and returns the previous target, which can be passed back to Replace later
// to restore the original behavior. Ordinal-only imports never match by
// name; use ReplaceAt for those.
func (object *ObjectFile) Replace(name string, target uintptr) (uintptr, error) {
	object.mu.Lock()
	defer object.mu.Unlock()

	if object.closed {
		return 0, ErrClosed
	}
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}
	for i, entry := range object.module.Entries() {
		if entry.Name == name {
			return object.replaceLocked(i, target)
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
}

// ReplaceAt redirects the slot at the given position in the enumeration
// order and returns the previous target.
func (object *ObjectFile) ReplaceAt(index int, target uintptr) (uintptr, error) {
	object.mu.Lock()
	defer object.mu.Unlock()

	if object.closed {
		return 0, ErrClosed
	}
	return object.replaceLocked(index, target)
}

func (object *ObjectFile) replaceLocked(index int, target uintptr) (uintptr, error) {
	previous, err := object.module.Replace(index, target)
	if err != nil {
		return previous, fmt.Errorf("plthook: replace entry %d: %w", index, err)
	}
	return previous, nil
}

// Format reports the image format of the opened module.
func (object *ObjectFile) Format() (Format, error) {
	object.mu.RLock()
	defer object.mu.RUnlock()

	if object.closed {
		return 0, ErrClosed
	}
	return object.module.Format(), nil
}

// Path returns the canonical path the module was resolved from, if known.
func (object *ObjectFile) Path() (string, error) {
	object.mu.RLock()
	defer object.mu.RUnlock()

	if object.closed {
		return "", ErrClosed
	}
	return object.module.Path(), nil
}

// Close releases parser-owned resources. It is idempotent and never reverts
// patches; the module itself stays mapped, owned by the loader.
func (object *ObjectFile) Close() error {
	object.mu.Lock()
	defer object.mu.Unlock()

	if object.closed {
		return nil
	}
	object.closed = true

	if object.module != nil {
		object.module.Close()
		object.module = nil
	}
	return nil
}
