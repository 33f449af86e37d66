package imptab

import (
	"debug/elf"
	"fmt"
)

// ELF layout constants not worth pulling structs for: the enumerator reads
// headers directly out of the loaded mapping, so only field offsets matter.
const (
	elfClassOffset = 4 // e_ident[EI_CLASS]
	elfTypeOffset  = 16
	elfMachOffset  = 18

	maxSymbolNameLen = 1 << 12
)

type elfHeader struct {
	class    elf.Class
	machine  elf.Machine
	typ      elf.Type
	phoff    uintptr
	phentsz  uintptr
	phnum    int
	wordSize int
}

// elfDynInfo collects the dynamic-section tags the enumerator consumes.
type elfDynInfo struct {
	jmprel   uintptr
	pltrelsz uintptr
	pltrel   int64 // DT_REL or DT_RELA
	rela     uintptr
	relasz   uintptr
	rel      uintptr
	relsz    uintptr
	symtab   uintptr
	strtab   uintptr
	strsz    uintptr
}

// elfRelocKinds is the per-machine set of relocation kinds the enumerator
// understands: the JMP_SLOT kind used by the PLT, the GLOB_DAT kind used by
// GOT data relocations, and the machine's absolute pointer kind.
type elfRelocKinds struct {
	jmpSlot uint32
	globDat uint32
	abs     uint32
}

func relocKindsFor(machine elf.Machine) (elfRelocKinds, error) {
	switch machine {
	case elf.EM_X86_64:
		return elfRelocKinds{
			jmpSlot: uint32(elf.R_X86_64_JMP_SLOT),
			globDat: uint32(elf.R_X86_64_GLOB_DAT),
			abs:     uint32(elf.R_X86_64_64),
		}, nil
	case elf.EM_386:
		return elfRelocKinds{
			jmpSlot: uint32(elf.R_386_JMP_SLOT),
			globDat: uint32(elf.R_386_GLOB_DAT),
			abs:     uint32(elf.R_386_32),
		}, nil
	case elf.EM_AARCH64:
		return elfRelocKinds{
			jmpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
			globDat: uint32(elf.R_AARCH64_GLOB_DAT),
			abs:     uint32(elf.R_AARCH64_ABS64),
		}, nil
	case elf.EM_ARM:
		return elfRelocKinds{
			jmpSlot: uint32(elf.R_ARM_JUMP_SLOT),
			globDat: uint32(elf.R_ARM_GLOB_DAT),
			abs:     uint32(elf.R_ARM_ABS32),
		}, nil
	default:
		return elfRelocKinds{}, fmt.Errorf("%w: ELF machine %s", ErrUnsupportedRelocation, machine)
	}
}

func (module *Module) enumerateELF() error {
	hdr, err := readELFHeader(module.base)
	if err != nil {
		return err
	}
	module.ptrWidth = hdr.wordSize

	// Shared objects and PIE executables record link-time addresses starting
	// at zero; the load bias is the mapping base. Fixed-position executables
	// already carry absolute addresses.
	var bias uintptr
	if hdr.typ == elf.ET_DYN {
		bias = module.base
	}

	kinds, err := relocKindsFor(hdr.machine)
	if err != nil {
		return err
	}

	loads, relros, dynAddr, err := walkELFProgramHeaders(module.base, hdr, bias)
	if err != nil {
		return err
	}
	if dynAddr == 0 {
		return fmt.Errorf("%w: no PT_DYNAMIC segment", ErrCorruptSymbolTable)
	}

	dyn := readELFDynamic(dynAddr, hdr.wordSize, module.base, bias)
	if dyn.symtab == 0 || dyn.strtab == 0 {
		return fmt.Errorf("%w: missing DT_SYMTAB or DT_STRTAB", ErrCorruptSymbolTable)
	}

	// PLT relocations first, in table order, then symbol-bound GOT data
	// relocations. This mirrors the tables' native layout so positional
	// lookups stay stable across opens of the same mapping.
	if dyn.jmprel != 0 && dyn.pltrelsz != 0 {
		var rela bool
		switch elf.DynTag(dyn.pltrel) {
		case elf.DT_RELA:
			rela = true
		case elf.DT_REL:
			rela = false
		default:
			// Guessing the entry layout would mis-walk the table.
			return fmt.Errorf("%w: DT_PLTREL is %d, want DT_REL or DT_RELA", ErrCorruptSymbolTable, dyn.pltrel)
		}
		if err := module.walkELFRelocs(dyn, loads, relros, kinds, dyn.jmprel, dyn.pltrelsz, rela, true, bias); err != nil {
			return err
		}
	}
	if dyn.rela != 0 && dyn.relasz != 0 {
		if err := module.walkELFRelocs(dyn, loads, relros, kinds, dyn.rela, dyn.relasz, true, false, bias); err != nil {
			return err
		}
	}
	if dyn.rel != 0 && dyn.relsz != 0 {
		if err := module.walkELFRelocs(dyn, loads, relros, kinds, dyn.rel, dyn.relsz, false, false, bias); err != nil {
			return err
		}
	}
	return nil
}

func readELFHeader(base uintptr) (elfHeader, error) {
	var hdr elfHeader
	hdr.class = elf.Class(*(*byte)(ptrAt(base + elfClassOffset)))
	hdr.typ = elf.Type(readU16(base + elfTypeOffset))
	hdr.machine = elf.Machine(readU16(base + elfMachOffset))

	switch hdr.class {
	case elf.ELFCLASS64:
		hdr.wordSize = 8
		hdr.phoff = uintptr(readU64(base + 32))
		hdr.phentsz = uintptr(readU16(base + 54))
		hdr.phnum = int(readU16(base + 56))
	case elf.ELFCLASS32:
		hdr.wordSize = 4
		hdr.phoff = uintptr(readU32(base + 28))
		hdr.phentsz = uintptr(readU16(base + 42))
		hdr.phnum = int(readU16(base + 44))
	default:
		return hdr, fmt.Errorf("%w: ELF class %d", ErrFormatMismatch, hdr.class)
	}
	if hdr.phoff == 0 || hdr.phnum == 0 {
		return hdr, fmt.Errorf("%w: no program headers", ErrCorruptSymbolTable)
	}
	return hdr, nil
}

type elfLoadSegment struct {
	vaddr uintptr // bias-adjusted
	memsz uintptr
	prot  int
}

// elfRange is a bias-adjusted address range.
type elfRange struct {
	start uintptr
	end   uintptr
}

func walkELFProgramHeaders(base uintptr, hdr elfHeader, bias uintptr) ([]elfLoadSegment, []elfRange, uintptr, error) {
	var (
		loads   []elfLoadSegment
		relros  []elfRange
		dynAddr uintptr
	)
	ph := base + hdr.phoff
	for i := 0; i < hdr.phnum; i++ {
		typ := elf.ProgType(readU32(ph))
		var vaddr, memsz uintptr
		var flags elf.ProgFlag
		if hdr.wordSize == 8 {
			flags = elf.ProgFlag(readU32(ph + 4))
			vaddr = uintptr(readU64(ph + 16))
			memsz = uintptr(readU64(ph + 40))
		} else {
			vaddr = uintptr(readU32(ph + 8))
			memsz = uintptr(readU32(ph + 20))
			flags = elf.ProgFlag(readU32(ph + 24))
		}
		switch typ {
		case elf.PT_LOAD:
			loads = append(loads, elfLoadSegment{
				vaddr: vaddr + bias,
				memsz: memsz,
				prot:  progFlagsToProt(flags),
			})
		case elf.PT_DYNAMIC:
			dynAddr = vaddr + bias
		case elf.PT_GNU_RELRO:
			relros = append(relros, elfRange{start: vaddr + bias, end: vaddr + bias + memsz})
		}
		ph += hdr.phentsz
	}
	return loads, relros, dynAddr, nil
}

func progFlagsToProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= protRead
	}
	if flags&elf.PF_W != 0 {
		prot |= protWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= protExec
	}
	return prot
}

func segmentProt(loads []elfLoadSegment, relros []elfRange, addr uintptr) int {
	prot := protRead
	for _, seg := range loads {
		if addr >= seg.vaddr && addr < seg.vaddr+seg.memsz {
			prot = seg.prot
			break
		}
	}
	// The loader remaps PT_GNU_RELRO ranges read-only once relocation is
	// done, so PT_LOAD p_flags overstate what is writable at run time.
	for _, r := range relros {
		if addr >= r.start && addr < r.end {
			prot &^= protWrite
			break
		}
	}
	return prot
}

func readELFDynamic(dynAddr uintptr, wordSize int, base, bias uintptr) elfDynInfo {
	var dyn elfDynInfo
	entsz := uintptr(2 * wordSize)

	// Some loaders relocate the dynamic table's pointer values in place,
	// others leave link-time addresses. A value below the mapping base is a
	// link-time address and needs the bias added.
	adjust := func(v uint64) uintptr {
		p := uintptr(v)
		if p != 0 && p < base {
			p += bias
		}
		return p
	}

	for p := dynAddr; ; p += entsz {
		var tag int64
		var val uint64
		if wordSize == 8 {
			tag = int64(readU64(p))
			val = readU64(p + 8)
		} else {
			tag = int64(int32(readU32(p)))
			val = uint64(readU32(p + 4))
		}
		if tag == int64(elf.DT_NULL) {
			break
		}
		switch elf.DynTag(tag) {
		case elf.DT_JMPREL:
			dyn.jmprel = adjust(val)
		case elf.DT_PLTRELSZ:
			dyn.pltrelsz = uintptr(val)
		case elf.DT_PLTREL:
			dyn.pltrel = int64(val)
		case elf.DT_RELA:
			dyn.rela = adjust(val)
		case elf.DT_RELASZ:
			dyn.relasz = uintptr(val)
		case elf.DT_REL:
			dyn.rel = adjust(val)
		case elf.DT_RELSZ:
			dyn.relsz = uintptr(val)
		case elf.DT_SYMTAB:
			dyn.symtab = adjust(val)
		case elf.DT_STRTAB:
			dyn.strtab = adjust(val)
		case elf.DT_STRSZ:
			dyn.strsz = uintptr(val)
		}
	}
	return dyn
}

// walkELFRelocs appends one Entry per recognized relocation. The PLT table
// (pltTable=true) is strict: an unrecognized symbol-bound kind fails the
// walk. The data relocation table carries many kinds that are not import
// slots (RELATIVE, COPY, TLS offsets); only GLOB_DAT and absolute kinds are
// collected there and the rest are skipped.
func (module *Module) walkELFRelocs(dyn elfDynInfo, loads []elfLoadSegment, relros []elfRange, kinds elfRelocKinds, table, size uintptr, rela, pltTable bool, bias uintptr) error {
	wordSize := module.ptrWidth
	var entsz uintptr
	switch {
	case wordSize == 8 && rela:
		entsz = 24
	case wordSize == 8:
		entsz = 16
	case rela:
		entsz = 12
	default:
		entsz = 8
	}

	for p := table; p+entsz <= table+size; p += entsz {
		var offset uintptr
		var symIdx uint32
		var relType uint32
		if wordSize == 8 {
			offset = uintptr(readU64(p))
			info := readU64(p + 8)
			symIdx = uint32(info >> 32)
			relType = uint32(info)
		} else {
			offset = uintptr(readU32(p))
			info := readU32(p + 4)
			symIdx = info >> 8
			relType = info & 0xff
		}

		// Relocations without a symbol (RELATIVE, IRELATIVE) are not import
		// slots.
		if symIdx == 0 {
			continue
		}

		switch relType {
		case kinds.jmpSlot, kinds.globDat, kinds.abs:
		default:
			if pltTable {
				return fmt.Errorf("%w: type %d in PLT relocation table", ErrUnsupportedRelocation, relType)
			}
			continue
		}

		name, err := module.elfSymbolName(dyn, symIdx)
		if err != nil {
			return err
		}
		slot := offset + bias
		module.entries = append(module.entries, Entry{
			Name:   name,
			Slot:   slot,
			Target: uintptr(readWord(slot, wordSize)),
			Prot:   segmentProt(loads, relros, slot),
		})
	}
	return nil
}

func (module *Module) elfSymbolName(dyn elfDynInfo, symIdx uint32) (string, error) {
	var nameOff uint32
	if module.ptrWidth == 8 {
		nameOff = readU32(dyn.symtab + uintptr(symIdx)*24)
	} else {
		nameOff = readU32(dyn.symtab + uintptr(symIdx)*16)
	}
	if dyn.strsz != 0 && uintptr(nameOff) >= dyn.strsz {
		return "", fmt.Errorf("%w: symbol %d name offset %d beyond string table (%d)",
			ErrCorruptSymbolTable, symIdx, nameOff, dyn.strsz)
	}
	limit := maxSymbolNameLen
	if dyn.strsz != 0 && int(dyn.strsz-uintptr(nameOff)) < limit {
		limit = int(dyn.strsz - uintptr(nameOff))
	}
	name, ok := cStringAt(dyn.strtab+uintptr(nameOff), limit)
	if !ok {
		return "", fmt.Errorf("%w: unterminated name for symbol %d", ErrCorruptSymbolTable, symIdx)
	}
	return name, nil
}
