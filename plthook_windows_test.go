//go:build windows

package plthook_test

import (
	"errors"
	"testing"

	"github.com/sliverarmory/plthook"
)

func TestOpenMainProgramLive(t *testing.T) {
	object, err := plthook.OpenMainProgram()
	if err != nil {
		t.Fatalf("OpenMainProgram: %v", err)
	}
	defer object.Close()

	format, err := object.Format()
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if format != plthook.FormatPE {
		t.Fatalf("format = %s, want PE", format)
	}

	symbols, err := object.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(symbols) == 0 {
		t.Fatal("executable has no import entries")
	}

	// Go binaries always import from kernel32.
	found := false
	for _, symbol := range symbols {
		if symbol.Library == "kernel32.dll" || symbol.Library == "KERNEL32.dll" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("no kernel32.dll imports among %d entries", len(symbols))
	}

	previous, err := object.ReplaceAt(0, symbols[0].Target)
	if err != nil {
		t.Fatalf("ReplaceAt: %v", err)
	}
	if previous != symbols[0].Target {
		t.Fatalf("previous = %#x, want %#x", previous, symbols[0].Target)
	}
}

func TestOpenLoadedModuleLive(t *testing.T) {
	object, err := plthook.Open("kernel32.dll")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer object.Close()

	if _, err := object.Symbols(); err != nil {
		t.Fatalf("Symbols: %v", err)
	}
}

func TestOpenMissingModule(t *testing.T) {
	_, err := plthook.Open("no_such_module_12345.dll")
	if !errors.Is(err, plthook.ErrModuleNotFound) {
		t.Fatalf("err = %v, want ErrModuleNotFound", err)
	}
}
