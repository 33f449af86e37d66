package plthook_test

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"reflect"
	"runtime"
	"testing"
	"unsafe"

	"github.com/sliverarmory/plthook"
)

const (
	testPhOff     = 0x40
	testDynOff    = 0x100
	testPltRelOff = 0x200
	testSymtabOff = 0x300
	testStrtabOff = 0x400
	testGotOff    = 0x500
	testImageSize = 0x600
)

// buildTestImage lays out a minimal ET_DYN x86-64 image with two PLT slots,
// atoi and atof, so the facade can be exercised on any host without touching
// a real loader mapping.
func buildTestImage(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, testImageSize)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	put64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	put16(16, 3)  // ET_DYN
	put16(18, 62) // EM_X86_64
	put32(20, 1)
	put64(32, testPhOff)
	put16(52, 64)
	put16(54, 56)
	put16(56, 2)

	put32(testPhOff, 1)   // PT_LOAD
	put32(testPhOff+4, 6) // PF_R|PF_W
	put64(testPhOff+40, testImageSize)
	put32(testPhOff+56, 2) // PT_DYNAMIC
	put64(testPhOff+56+16, testDynOff)

	dyn := testDynOff
	writeDyn := func(tag, val uint64) {
		put64(dyn, tag)
		put64(dyn+8, val)
		dyn += 16
	}
	writeDyn(20, 7)             // DT_PLTREL = DT_RELA
	writeDyn(23, testPltRelOff) // DT_JMPREL
	writeDyn(2, 48)             // DT_PLTRELSZ
	writeDyn(6, testSymtabOff)  // DT_SYMTAB
	writeDyn(5, testStrtabOff)  // DT_STRTAB
	writeDyn(10, 11)            // DT_STRSZ
	writeDyn(0, 0)

	put64(testPltRelOff, testGotOff)
	put64(testPltRelOff+8, 1<<32|7) // R_X86_64_JMP_SLOT, symbol 1
	put64(testPltRelOff+24, testGotOff+8)
	put64(testPltRelOff+32, 2<<32|7)

	put32(testSymtabOff+1*24, 1) // atoi
	put32(testSymtabOff+2*24, 6) // atof
	copy(buf[testStrtabOff:], "\x00atoi\x00atof\x00")

	put64(testGotOff, 0x1111)
	put64(testGotOff+8, 0x2222)

	return buf
}

func openTestImage(t *testing.T, buf []byte) *plthook.ObjectFile {
	t.Helper()
	object, err := plthook.OpenAddress(uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		t.Fatalf("OpenAddress: %v", err)
	}
	t.Cleanup(func() { _ = object.Close() })
	return object
}

func TestSymbolsDeterministic(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	first, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	second, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols (again): %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d symbols, want 2: %+v", len(first), first)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("symbol %d differs between calls: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[0].Name != "atoi" || first[1].Name != "atof" {
		t.Errorf("unexpected names: %q, %q", first[0].Name, first[1].Name)
	}
	runtime.KeepAlive(buf)
}

func negatedAtoi() {}

func TestReplaceRoundTrip(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	// Redirect atoi's slot at a real Go function address, the way a caller
	// would install a replacement implementation.
	replacement := reflect.ValueOf(negatedAtoi).Pointer()

	previous, err := object.Replace("atoi", replacement)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if previous != 0x1111 {
		t.Fatalf("previous = %#x, want 0x1111", previous)
	}

	symbols, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if symbols[0].Target != replacement {
		t.Fatalf("cached target = %#x, want %#x", symbols[0].Target, replacement)
	}
	if got := *(*uintptr)(unsafe.Pointer(symbols[0].Slot)); got != replacement {
		t.Fatalf("slot reads back %#x, want %#x", got, replacement)
	}

	// Restoring the returned previous value reinstates the original target.
	restored, err := object.Replace("atoi", previous)
	if err != nil {
		t.Fatalf("Replace (restore): %v", err)
	}
	if restored != replacement {
		t.Fatalf("restore returned %#x, want %#x", restored, replacement)
	}
	if got := binary.LittleEndian.Uint64(buf[testGotOff:]); got != 0x1111 {
		t.Fatalf("slot holds %#x after restore, want 0x1111", got)
	}
	runtime.KeepAlive(buf)
}

func TestReplaceUnknownSymbol(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	before := sha256.Sum256(buf)
	_, err := object.Replace("strtol", 0xdead)
	if !errors.Is(err, plthook.ErrSymbolNotFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
	if _, err := object.Replace("", 0xdead); !errors.Is(err, plthook.ErrSymbolNotFound) {
		t.Fatalf("empty name err = %v, want ErrSymbolNotFound", err)
	}
	after := sha256.Sum256(buf)
	if before != after {
		t.Fatal("image bytes changed by a failed replace")
	}
	runtime.KeepAlive(buf)
}

func TestReplaceAt(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	previous, err := object.ReplaceAt(1, 0xbeef)
	if err != nil {
		t.Fatalf("ReplaceAt: %v", err)
	}
	if previous != 0x2222 {
		t.Fatalf("previous = %#x, want 0x2222", previous)
	}
	if _, err := object.ReplaceAt(7, 0xbeef); err == nil {
		t.Fatal("ReplaceAt(7) succeeded, want error")
	}
	runtime.KeepAlive(buf)
}

func TestOpenAddressFormatMismatch(t *testing.T) {
	buf := make([]byte, 0x100)
	for i := range buf {
		buf[i] = 0x5a
	}
	_, err := plthook.OpenAddress(uintptr(unsafe.Pointer(&buf[0])))
	if !errors.Is(err, plthook.ErrFormatMismatch) {
		t.Fatalf("err = %v, want ErrFormatMismatch", err)
	}
	runtime.KeepAlive(buf)
}

func TestClosedHandle(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	if err := object.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := object.Close(); err != nil {
		t.Fatalf("Close (again): %v", err)
	}

	if _, err := object.Symbols(); !errors.Is(err, plthook.ErrClosed) {
		t.Errorf("Symbols after close: %v, want ErrClosed", err)
	}
	if _, err := object.Replace("atoi", 0xdead); !errors.Is(err, plthook.ErrClosed) {
		t.Errorf("Replace after close: %v, want ErrClosed", err)
	}
	if _, err := object.ReplaceAt(0, 0xdead); !errors.Is(err, plthook.ErrClosed) {
		t.Errorf("ReplaceAt after close: %v, want ErrClosed", err)
	}
	if _, err := object.Format(); !errors.Is(err, plthook.ErrClosed) {
		t.Errorf("Format after close: %v, want ErrClosed", err)
	}
	if _, err := object.Path(); !errors.Is(err, plthook.ErrClosed) {
		t.Errorf("Path after close: %v, want ErrClosed", err)
	}

	// Close never reverts patches and never unmaps the image: the bytes are
	// still intact.
	if got := binary.LittleEndian.Uint64(buf[testGotOff:]); got != 0x1111 {
		t.Fatalf("image modified by close: %#x", got)
	}
	runtime.KeepAlive(buf)
}

func TestSymbolsReturnsSnapshot(t *testing.T) {
	buf := buildTestImage(t)
	object := openTestImage(t, buf)

	symbols, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	symbols[0].Name = "clobbered"

	again, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols (again): %v", err)
	}
	if again[0].Name != "atoi" {
		t.Fatalf("snapshot mutation leaked into the handle: %q", again[0].Name)
	}
	runtime.KeepAlive(buf)
}
