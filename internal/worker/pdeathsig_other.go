//go:build !linux

package worker

// EnableParentDeathSignal is a no-op on platforms without prctl.
func EnableParentDeathSignal() error {
	return nil
}
