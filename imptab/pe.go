package imptab

import (
	"fmt"
	"unsafe"
)

const (
	peOptionalMagic32  = 0x10b
	peOptionalMagic64  = 0x20b
	peImportDirIndex   = 1
	peOrdinalFlag32    = uint64(1) << 31
	peOrdinalFlag64    = uint64(1) << 63
	maxImportDLLName   = 256
	maxImportFuncCount = 1 << 16
)

// peImportDescriptor is IMAGE_IMPORT_DESCRIPTOR.
type peImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA of the import name table
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32 // RVA of the DLL name
	FirstThunk         uint32 // RVA of the import address table
}

func (module *Module) enumeratePE() error {
	base := module.base
	peBase := base + uintptr(readU32(base+0x3c))
	optHeader := peBase + 24

	var (
		dirOffset   uintptr
		ordinalFlag uint64
	)
	switch readU16(optHeader) {
	case peOptionalMagic32:
		module.ptrWidth = 4
		dirOffset = 96
		ordinalFlag = peOrdinalFlag32
	case peOptionalMagic64:
		module.ptrWidth = 8
		dirOffset = 112
		ordinalFlag = peOrdinalFlag64
	default:
		return fmt.Errorf("%w: optional header magic %#x", ErrFormatMismatch, readU16(optHeader))
	}

	numDirs := readU32(optHeader + dirOffset - 4)
	if numDirs <= peImportDirIndex {
		return nil // no import directory: nothing imports, nothing to patch
	}
	importRVA := readU32(optHeader + dirOffset + peImportDirIndex*8)
	importSize := readU32(optHeader + dirOffset + peImportDirIndex*8 + 4)
	if importRVA == 0 || importSize == 0 {
		return nil
	}

	descSize := unsafe.Sizeof(peImportDescriptor{})
	desc := (*peImportDescriptor)(ptrAt(base + uintptr(importRVA)))
	for desc.Name != 0 || desc.FirstThunk != 0 {
		dllName, ok := cStringAt(base+uintptr(desc.Name), maxImportDLLName)
		if !ok {
			return fmt.Errorf("%w: unterminated DLL name at RVA %#x", ErrCorruptSymbolTable, desc.Name)
		}

		// The import name table keeps the original name/ordinal thunks; the
		// import address table holds the loader-resolved addresses we patch.
		// Older linkers leave OriginalFirstThunk zero, in which case the IAT
		// doubles as the name table (only usable pre-snap, but the ordinal
		// bit survives).
		nameTable := uintptr(desc.OriginalFirstThunk)
		if nameTable == 0 {
			nameTable = uintptr(desc.FirstThunk)
		}
		iat := base + uintptr(desc.FirstThunk)
		names := base + nameTable

		for i := 0; ; i++ {
			if i >= maxImportFuncCount {
				return fmt.Errorf("%w: unterminated thunk array for %s", ErrCorruptSymbolTable, dllName)
			}
			thunk := readWord(names+uintptr(i*module.ptrWidth), module.ptrWidth)
			if thunk == 0 {
				break
			}
			slot := iat + uintptr(i*module.ptrWidth)
			entry := Entry{
				Library: dllName,
				Slot:    slot,
				Target:  uintptr(readWord(slot, module.ptrWidth)),
			}
			if thunk&ordinalFlag != 0 {
				entry.Ordinal = uint16(thunk)
			} else {
				// IMAGE_IMPORT_BY_NAME: hint word, then the name.
				name, ok := cStringAt(base+uintptr(thunk)+2, maxSymbolNameLen)
				if !ok {
					return fmt.Errorf("%w: unterminated import name in %s", ErrCorruptSymbolTable, dllName)
				}
				entry.Name = name
			}
			module.entries = append(module.entries, entry)
		}
		desc = (*peImportDescriptor)(ptrAt(uintptr(unsafe.Pointer(desc)) + descSize))
	}
	return nil
}
