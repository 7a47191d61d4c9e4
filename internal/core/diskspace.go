package core

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckDiskSpace returns a ValidationError if the volume backing dir has
// less free space than requiredBytes. A requiredBytes of 0 (unknown total
// size) always passes.
func CheckDiskSpace(dir string, requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// Can't determine free space; don't block the enqueue on a
		// diagnostic that itself failed.
		return nil
	}
	if usage.Free < uint64(requiredBytes) {
		return NewError(KindValidation, fmt.Sprintf(
			"not enough free space at %s: need %d bytes, have %d", dir, requiredBytes, usage.Free))
	}
	return nil
}
