package block

import (
	"os"
	"strings"
)

// procMounts is overridable in tests.
var procMounts = "/proc/self/mounts"

// IsMounted reports whether dev is the source of any live mount.
func IsMounted(dev string) bool {
	raw, err := os.ReadFile(procMounts)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == dev {
			return true
		}
	}
	return false
}
