//go:build darwin

package imptab

import (
	"errors"
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

const syscallSharedRegionCheckNP = uintptr(294)

// dyldCacheHeader mirrors dyld's shared cache header layout far enough to
// reach the image list fields.
type dyldCacheHeader struct {
	Magic                         [16]byte
	MappingOffset                 uint32
	MappingCount                  uint32
	ImagesOffsetOld               uint32
	ImagesCountOld                uint32
	DyldBaseAddress               uint64
	CodeSignatureOffset           uint64
	CodeSignatureSize             uint64
	SlideInfoOffsetUnused         uint64
	SlideInfoSizeUnused           uint64
	LocalSymbolsOffset            uint64
	LocalSymbolsSize              uint64
	UUID                          [16]byte
	CacheType                     uint64
	BranchPoolsOffset             uint32
	BranchPoolsCount              uint32
	AccelerateInfoAddr            uint64
	AccelerateInfoSize            uint64
	ImagesTextOffset              uint64
	ImagesTextCount               uint64
	PatchInfoAddr                 uint64
	PatchInfoSize                 uint64
	OtherImageGroupAddrUnused     uint64
	OtherImageGroupSizeUnused     uint64
	ProgClosuresAddr              uint64
	ProgClosuresSize              uint64
	ProgClosuresTrieAddr          uint64
	ProgClosuresTrieSize          uint64
	Platform                      uint32
	FormatVersionAndFlags         uint32
	SharedRegionStart             uint64
	SharedRegionSize              uint64
	MaxSlide                      uint64
	DylibsImageArrayAddr          uint64
	DylibsImageArraySize          uint64
	DylibsTrieAddr                uint64
	DylibsTrieSize                uint64
	OtherImageArrayAddr           uint64
	OtherImageArraySize           uint64
	OtherTrieAddr                 uint64
	OtherTrieSize                 uint64
	MappingWithSlideOffset        uint32
	MappingWithSlideCount         uint32
	DylibsPBLStateArrayAddrUnused uint64
	DylibsPBLSetAddr              uint64
	ProgramsPBLSetPoolAddr        uint64
	ProgramsPBLSetPoolSize        uint64
	ProgramTrieAddr               uint64
	ProgramTrieSize               uint32
	OSVersion                     uint32
	AltPlatform                   uint32
	AltOSVersion                  uint32
	SwiftOptsOffset               uint64
	SwiftOptsSize                 uint64
	SubCacheArrayOffset           uint32
	SubCacheArrayCount            uint32
	SymbolFileUUID                [16]byte
	RosettaReadOnlyAddr           uint64
	RosettaReadOnlySize           uint64
	RosettaReadWriteAddr          uint64
	RosettaReadWriteSize          uint64
	ImagesOffset                  uint32
	ImagesCount                   uint32
}

type dyldCacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

type sharedFileMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// dyldAllImageInfos is the head of dyld's dyld_all_image_infos structure;
// only the live image array is consumed.
type dyldAllImageInfos struct {
	Version        uint32
	InfoArrayCount uint32
	InfoArray      uintptr
}

// dyldImageInfo is one dyld_image_info array element.
type dyldImageInfo struct {
	LoadAddress uintptr
	FilePath    uintptr
	ModDate     uintptr
}

type dyldImage struct {
	addr uintptr
	path string
}

// resolveModule walks dyld's live image list, found through the shared
// cache: locate /usr/lib/dyld in the cache, pull dyld_all_image_infos out
// of its symbol table, and read the info array it maintains. Image zero is
// the main executable.
func resolveModule(identifier string) (uintptr, string, error) {
	images, err := dyldImageList()
	if err != nil {
		return 0, "", err
	}
	if len(images) == 0 {
		return 0, "", fmt.Errorf("%w: dyld image list is empty", ErrModuleNotFound)
	}

	if identifier == "" {
		return images[0].addr, images[0].path, nil
	}
	for _, image := range images {
		if image.path == identifier {
			return image.addr, image.path, nil
		}
	}
	for _, image := range images {
		if filepath.Base(image.path) == filepath.Base(identifier) {
			return image.addr, image.path, nil
		}
	}
	return 0, "", fmt.Errorf("%w: %s", ErrModuleNotFound, identifier)
}

func dyldImageList() ([]dyldImage, error) {
	sharedRegionStart, err := sharedRegionStartAddr()
	if err != nil {
		return nil, fmt.Errorf("locate dyld shared region: %w", err)
	}

	header := (*dyldCacheHeader)(ptrAt(sharedRegionStart))
	sfm := (*sharedFileMapping)(ptrAt(sharedRegionStart + uintptr(header.MappingOffset)))
	slide := uint64(sharedRegionStart) - sfm.Address

	dyldBase := findCacheImage(sharedRegionStart, header, "/usr/lib/dyld", slide)
	if dyldBase == 0 {
		return nil, errors.New("dyld image not present in shared cache")
	}

	infosAddr := machImageSymbolValue(uintptr(dyldBase), "_dyld_all_image_infos", uintptr(slide))
	if infosAddr == 0 {
		return nil, errors.New("dyld_all_image_infos not found in dyld symbol table")
	}

	infos := (*dyldAllImageInfos)(ptrAt(infosAddr))
	if infos.InfoArray == 0 {
		return nil, errors.New("dyld image info array is nil")
	}

	images := make([]dyldImage, 0, infos.InfoArrayCount)
	entrySize := unsafe.Sizeof(dyldImageInfo{})
	for i := uint32(0); i < infos.InfoArrayCount; i++ {
		info := (*dyldImageInfo)(ptrAt(infos.InfoArray + uintptr(i)*entrySize))
		if info.LoadAddress == 0 {
			continue
		}
		path, _ := cStringAt(info.FilePath, maxSymbolNameLen)
		images = append(images, dyldImage{addr: info.LoadAddress, path: path})
	}
	return images, nil
}

func sharedRegionStartAddr() (uintptr, error) {
	var address uintptr
	_, _, errno := unix.Syscall(syscallSharedRegionCheckNP, uintptr(unsafe.Pointer(&address)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	if address == 0 {
		return 0, errors.New("shared region address is nil")
	}
	return address, nil
}

func findCacheImage(sharedRegionStart uintptr, header *dyldCacheHeader, wantPath string, slide uint64) uint64 {
	imagesCount := header.ImagesCountOld
	if imagesCount == 0 {
		imagesCount = header.ImagesCount
	}
	imagesOffset := header.ImagesOffsetOld
	if imagesOffset == 0 {
		imagesOffset = header.ImagesOffset
	}
	if imagesCount == 0 || imagesOffset == 0 {
		return 0
	}

	entrySize := unsafe.Sizeof(dyldCacheImageInfo{})
	base := sharedRegionStart + uintptr(imagesOffset)
	for i := uint32(0); i < imagesCount; i++ {
		entry := (*dyldCacheImageInfo)(ptrAt(base + uintptr(i)*entrySize))
		path := sharedRegionStart + uintptr(entry.PathFileOffset)
		if cStringEqual(path, wantPath) {
			return entry.Address + slide
		}
	}
	return 0
}

// machImageSymbolValue looks up a symbol's slid address in the symbol table
// of a 64-bit Mach-O image mapped at base.
func machImageSymbolValue(base uintptr, symbol string, slide uintptr) uintptr {
	mh := (*machHeader64)(ptrAt(base))
	lc := base + unsafe.Sizeof(machHeader64{})

	var (
		symtab   *machSymtabCommand
		linkedit *machSegment64
		text     *machSegment64
	)
	for i := uint32(0); i < mh.NCmds; i++ {
		cmd := (*machLoadCommand)(ptrAt(lc))
		switch cmd.Cmd {
		case lcSymtab:
			symtab = (*machSymtabCommand)(ptrAt(lc))
		case lcSegment64:
			seg := (*machSegment64)(ptrAt(lc))
			switch fixedCString(seg.SegName[:]) {
			case "__LINKEDIT":
				linkedit = seg
			case "__TEXT":
				text = seg
			}
		}
		lc += uintptr(cmd.CmdSize)
	}
	if symtab == nil || linkedit == nil || text == nil {
		return 0
	}

	fileSlide := int64(linkedit.VMAddr) - int64(text.VMAddr) - int64(linkedit.FileOff)
	strtab := base + uintptr(fileSlide+int64(symtab.StrOff))
	nlBase := base + uintptr(fileSlide+int64(symtab.SymOff))

	nlSize := unsafe.Sizeof(nlist64{})
	for i := uint32(0); i < symtab.NSyms; i++ {
		nl := (*nlist64)(ptrAt(nlBase + uintptr(i)*nlSize))
		if nl.Strx == 0 || nl.Value == 0 {
			continue
		}
		if cStringEqual(strtab+uintptr(nl.Strx), symbol) {
			return uintptr(nl.Value) + slide
		}
	}
	return 0
}

func cStringEqual(addr uintptr, want string) bool {
	if addr == 0 {
		return false
	}
	for i := 0; i < len(want); i++ {
		if *(*byte)(ptrAt(addr + uintptr(i))) != want[i] {
			return false
		}
	}
	return *(*byte)(ptrAt(addr + uintptr(len(want)))) == 0
}
