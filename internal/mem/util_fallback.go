//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// swapping cannot be prevented here; enclaves still keep secrets encrypted at rest in RAM
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
