//go:build !windows && !darwin && !linux

package imptab

import "fmt"

func resolveModule(identifier string) (uintptr, string, error) {
	_ = identifier
	return 0, "", fmt.Errorf("%w: module resolution is only supported on windows, darwin, and linux", ErrModuleNotFound)
}
