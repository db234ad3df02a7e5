package block

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot/pkg/log"
	"github.com/openanolis/cryptpilot/pkg/types"
)

// MountPoint is a scope guard over one mount. Release unmounts with retry
// and falls back to a lazy detach, so a busy unmount never leaks the mount
// into later runs.
type MountPoint struct {
	Target string
}

// Mount attaches source at target, creating target if needed.
func Mount(source, target, fstype string, flags uintptr, data string) (*MountPoint, error) {
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, &types.DeviceError{Device: target, Step: "mkdir", Err: err}
	}
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return nil, &types.DeviceError{Device: source, Step: "mount " + target, Err: err}
	}
	return &MountPoint{Target: target}, nil
}

// MountReadonly attaches source read-only at target.
func MountReadonly(source, target, fstype string) (*MountPoint, error) {
	return Mount(source, target, fstype, unix.MS_RDONLY, "")
}

// MountTmpfs mounts a tmpfs at target.
func MountTmpfs(target string) (*MountPoint, error) {
	return Mount("tmpfs", target, "tmpfs", 0, "")
}

// MountOverlay assembles an overlay of lower (read-only) with upper/work at
// target. upper and work must live on the same file system.
func MountOverlay(lower, upper, work, target string) (*MountPoint, error) {
	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &types.DeviceError{Device: dir, Step: "mkdir", Err: err}
		}
	}
	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	return Mount("overlay", target, "overlay", 0, data)
}

// BindMount binds source at target.
func BindMount(source, target string) (*MountPoint, error) {
	return Mount(source, target, "", unix.MS_BIND, "")
}

// Release unmounts the target. EBUSY is retried briefly, then the mount is
// lazily detached so the caller's teardown always completes.
func (m *MountPoint) Release() error {
	if m == nil || m.Target == "" {
		return nil
	}
	target := m.Target
	m.Target = ""

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = unix.Unmount(target, 0)
		if err == nil || err == unix.EINVAL || err == unix.ENOENT {
			err = nil
			break
		}
		if err != unix.EBUSY {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err == unix.EBUSY {
		log.WithComponent("block").Warn().Str("target", target).
			Msg("mount still busy, detaching lazily")
		err = unix.Unmount(target, unix.MNT_DETACH)
	}
	if err != nil {
		return &types.DeviceError{Device: target, Step: "umount", Err: err}
	}
	return nil
}
