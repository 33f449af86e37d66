//go:build linux

package imptab

import (
	"errors"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// mapImage allocates the image in its own anonymous mapping so tests can
// change page protection without touching the Go heap.
func mapImage(t *testing.T) []byte {
	t.Helper()
	size := alignUp(elf64Size, unix.Getpagesize())
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE)
		_ = unix.Munmap(data)
	})
	return data
}

// pagePerms returns the /proc/self/maps permission field for the mapping
// covering addr.
func pagePerms(t *testing.T, addr uintptr) string {
	t.Helper()
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		t.Fatalf("read /proc/self/maps: %v", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := parseHexUintptr(rangeParts[0])
		end, endErr := parseHexUintptr(rangeParts[1])
		if startErr != nil || endErr != nil {
			continue
		}
		if addr >= start && addr < end {
			return fields[1]
		}
	}
	t.Fatalf("no mapping covers %#x", addr)
	return ""
}

func TestReplaceReadOnlySlot(t *testing.T) {
	data := mapImage(t)
	fillELF64Image(data)
	addELF64RelroSegment(data)
	base := imageBase(data)

	// Simulate the loader's RELRO remap: the whole image page is read-only
	// by the time a caller patches it.
	if err := unix.Mprotect(data, unix.PROT_READ); err != nil {
		t.Fatalf("mprotect: %v", err)
	}

	module, err := OpenAddress(base)
	if err != nil {
		t.Fatalf("OpenAddress: %v", err)
	}
	defer module.Close()
	if prot := module.Entries()[0].Prot; prot != protRead {
		t.Fatalf("entry 0 prot = %#x, want %#x", prot, protRead)
	}

	previous, err := module.Replace(0, 0xdead)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if previous != 0x1111 {
		t.Fatalf("previous = %#x, want 0x1111", previous)
	}
	if got := readWord(base+elf64GotOff, 8); got != 0xdead {
		t.Fatalf("slot holds %#x after patch, want 0xdead", got)
	}

	// The page must come back read-only, not stay writable.
	if perms := pagePerms(t, base+elf64GotOff); !strings.HasPrefix(perms, "r--") {
		t.Fatalf("page perms %q after patch, want r--", perms)
	}

	if _, err := module.Replace(0, previous); err != nil {
		t.Fatalf("Replace (restore): %v", err)
	}
	if got := readWord(base+elf64GotOff, 8); got != 0x1111 {
		t.Fatalf("slot holds %#x after restore, want 0x1111", got)
	}
}

func TestPatchSlotProtectionFailure(t *testing.T) {
	pageSize := unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	addr := imageBase(data)
	if err := unix.Munmap(data); err != nil {
		t.Fatalf("munmap: %v", err)
	}

	// mprotect on the unmapped page fails before any write is attempted.
	old, committed, err := patchSlot(addr, 8, 0xdead, protRead)
	if !errors.Is(err, ErrProtectionChange) {
		t.Fatalf("err = %v, want ErrProtectionChange", err)
	}
	if committed {
		t.Fatal("write reported as committed despite failed protection change")
	}
	if old != 0 {
		t.Fatalf("old = %#x, want 0", old)
	}
}
