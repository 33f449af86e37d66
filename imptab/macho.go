package imptab

import (
	"fmt"
	"unsafe"
)

const (
	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf

	lcSegment   = 0x1
	lcSymtab    = 0x2
	lcDysymtab  = 0xb
	lcSegment64 = 0x19

	sectionTypeMask          = 0xff
	sNonLazySymbolPointers   = 0x6
	sLazySymbolPointers      = 0x7
	sLazyDylibSymbolPointers = 0x10

	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

type machHeader64 struct {
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeCmds   uint32
	Flags      uint32
	Reserved   uint32
}

type machLoadCommand struct {
	Cmd     uint32
	CmdSize uint32
}

type machSegment64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type machSection64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type machSegment32 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint32
	VMSize   uint32
	FileOff  uint32
	FileSize uint32
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type machSection32 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type machSymtabCommand struct {
	Cmd     uint32
	CmdSize uint32
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

type machDysymtabCommand struct {
	Cmd            uint32
	CmdSize        uint32
	ILocalSym      uint32
	NLocalSym      uint32
	IExtDefSym     uint32
	NExtDefSym     uint32
	IUndefSym      uint32
	NUndefSym      uint32
	TOCOff         uint32
	NTOC           uint32
	ModTabOff      uint32
	NModTab        uint32
	ExtRefSymOff   uint32
	NExtRefSyms    uint32
	IndirectSymOff uint32
	NIndirectSyms  uint32
	ExtRelOff      uint32
	NExtRel        uint32
	LocRelOff      uint32
	NLocRel        uint32
}

type nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

type nlist32 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  int16
	Value uint32
}

// machPointerSection is one lazy or non-lazy symbol pointer section: a run
// of slots starting at addr, with reserved1 indexing the indirect symbol
// table.
type machPointerSection struct {
	addr      uintptr
	count     int
	reserved1 uint32
	prot      int
}

func (module *Module) enumerateMachO() error {
	base := module.base
	is64 := readU32(base) == machoMagic64
	if is64 {
		module.ptrWidth = 8
	} else {
		module.ptrWidth = 4
	}

	var (
		hdrSize  uintptr
		ncmds    uint32
		symtab   *machSymtabCommand
		dysymtab *machDysymtabCommand
		sections []machPointerSection

		textVMAddr     uint64
		textSeen       bool
		linkeditVMAddr uint64
		linkeditFOff   uint64
		linkeditSeen   bool
	)
	if is64 {
		hdrSize = unsafe.Sizeof(machHeader64{})
		ncmds = (*machHeader64)(ptrAt(base)).NCmds
	} else {
		hdrSize = unsafe.Sizeof(machHeader64{}) - 4 // no reserved field
		ncmds = readU32(base + 16)
	}

	lc := base + hdrSize
	for i := uint32(0); i < ncmds; i++ {
		cmd := (*machLoadCommand)(ptrAt(lc))
		if cmd.CmdSize < uint32(unsafe.Sizeof(machLoadCommand{})) {
			return fmt.Errorf("%w: load command %d has size %d", ErrCorruptSymbolTable, i, cmd.CmdSize)
		}
		switch cmd.Cmd {
		case lcSegment64:
			seg := (*machSegment64)(ptrAt(lc))
			switch fixedCString(seg.SegName[:]) {
			case "__TEXT":
				textVMAddr = seg.VMAddr
				textSeen = true
			case "__LINKEDIT":
				linkeditVMAddr = seg.VMAddr
				linkeditFOff = seg.FileOff
				linkeditSeen = true
			}
			sect := lc + unsafe.Sizeof(machSegment64{})
			for j := uint32(0); j < seg.NSects; j++ {
				s := (*machSection64)(ptrAt(sect + uintptr(j)*unsafe.Sizeof(machSection64{})))
				if isPointerSection(s.Flags) {
					sections = append(sections, machPointerSection{
						addr:      uintptr(s.Addr),
						count:     int(s.Size / 8),
						reserved1: s.Reserved1,
						prot:      int(seg.InitProt) & (protRead | protWrite | protExec),
					})
				}
			}
		case lcSegment:
			seg := (*machSegment32)(ptrAt(lc))
			switch fixedCString(seg.SegName[:]) {
			case "__TEXT":
				textVMAddr = uint64(seg.VMAddr)
				textSeen = true
			case "__LINKEDIT":
				linkeditVMAddr = uint64(seg.VMAddr)
				linkeditFOff = uint64(seg.FileOff)
				linkeditSeen = true
			}
			sect := lc + unsafe.Sizeof(machSegment32{})
			for j := uint32(0); j < seg.NSects; j++ {
				s := (*machSection32)(ptrAt(sect + uintptr(j)*unsafe.Sizeof(machSection32{})))
				if isPointerSection(s.Flags) {
					sections = append(sections, machPointerSection{
						addr:      uintptr(s.Addr),
						count:     int(s.Size / 4),
						reserved1: s.Reserved1,
						prot:      int(seg.InitProt) & (protRead | protWrite | protExec),
					})
				}
			}
		case lcSymtab:
			symtab = (*machSymtabCommand)(ptrAt(lc))
		case lcDysymtab:
			dysymtab = (*machDysymtabCommand)(ptrAt(lc))
		}
		lc += uintptr(cmd.CmdSize)
	}

	if symtab == nil || dysymtab == nil || !textSeen || !linkeditSeen {
		return fmt.Errorf("%w: missing LC_SYMTAB, LC_DYSYMTAB, __TEXT or __LINKEDIT", ErrCorruptSymbolTable)
	}

	// base is where __TEXT landed; sections record link-time addresses.
	slide := base - uintptr(textVMAddr)
	// __LINKEDIT tables are addressed by file offset relative to where the
	// linkedit segment actually sits in memory.
	fileSlide := int64(linkeditVMAddr) - int64(textVMAddr) - int64(linkeditFOff)
	strtab := base + uintptr(fileSlide+int64(symtab.StrOff))
	nlistBase := base + uintptr(fileSlide+int64(symtab.SymOff))
	indirect := base + uintptr(fileSlide+int64(dysymtab.IndirectSymOff))

	for _, sec := range sections {
		for i := 0; i < sec.count; i++ {
			idx := sec.reserved1 + uint32(i)
			if idx >= dysymtab.NIndirectSyms {
				return fmt.Errorf("%w: indirect symbol index %d beyond table (%d)",
					ErrCorruptSymbolTable, idx, dysymtab.NIndirectSyms)
			}
			isym := readU32(indirect + uintptr(idx)*4)
			if isym&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
				continue
			}
			if isym >= symtab.NSyms {
				return fmt.Errorf("%w: symbol index %d beyond table (%d)",
					ErrCorruptSymbolTable, isym, symtab.NSyms)
			}
			name, err := machSymbolName(nlistBase, strtab, symtab.StrSize, isym, is64)
			if err != nil {
				return err
			}
			slot := sec.addr + slide + uintptr(i*module.ptrWidth)
			module.entries = append(module.entries, Entry{
				Name:   name,
				Slot:   slot,
				Target: uintptr(readWord(slot, module.ptrWidth)),
				Prot:   sec.prot,
			})
		}
	}
	return nil
}

func isPointerSection(flags uint32) bool {
	switch flags & sectionTypeMask {
	case sNonLazySymbolPointers, sLazySymbolPointers, sLazyDylibSymbolPointers:
		return true
	}
	return false
}

func machSymbolName(nlistBase, strtab uintptr, strSize, isym uint32, is64 bool) (string, error) {
	var strx uint32
	if is64 {
		strx = (*nlist64)(ptrAt(nlistBase + uintptr(isym)*uintptr(unsafe.Sizeof(nlist64{})))).Strx
	} else {
		strx = (*nlist32)(ptrAt(nlistBase + uintptr(isym)*uintptr(unsafe.Sizeof(nlist32{})))).Strx
	}
	if strx >= strSize {
		return "", fmt.Errorf("%w: string offset %d beyond string table (%d)",
			ErrCorruptSymbolTable, strx, strSize)
	}
	limit := int(strSize - strx)
	if limit > maxSymbolNameLen {
		limit = maxSymbolNameLen
	}
	name, ok := cStringAt(strtab+uintptr(strx), limit)
	if !ok {
		return "", fmt.Errorf("%w: unterminated name at string offset %d", ErrCorruptSymbolTable, strx)
	}
	// C symbols carry a leading underscore on Mach-O. Strip it so lookups
	// use the same name on every format.
	if len(name) > 1 && name[0] == '_' {
		name = name[1:]
	}
	return name, nil
}
