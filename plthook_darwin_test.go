//go:build darwin

package plthook_test

import (
	"errors"
	"testing"

	"github.com/sliverarmory/plthook"
)

func TestOpenMainProgramLive(t *testing.T) {
	object, err := plthook.OpenMainProgram()
	if err != nil {
		// The dyld image list layout shifts between macOS releases; skip
		// rather than fail when it cannot be located.
		t.Skipf("OpenMainProgram: %v", err)
	}
	defer object.Close()

	format, err := object.Format()
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if format != plthook.FormatMachO {
		t.Fatalf("format = %s, want Mach-O", format)
	}
	if _, err := object.Symbols(); err != nil {
		t.Fatalf("Symbols: %v", err)
	}
}

func TestOpenMissingModule(t *testing.T) {
	_, err := plthook.Open("libdoesnotexist.dylib")
	if !errors.Is(err, plthook.ErrModuleNotFound) {
		t.Fatalf("err = %v, want ErrModuleNotFound", err)
	}
}
