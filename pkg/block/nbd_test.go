package block

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeNbdSysfs(t *testing.T, sizes map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for node, size := range sizes {
		base := filepath.Join(dir, node)
		if err := os.MkdirAll(base, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(base, "size"), []byte(size+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := sysBlockDir
	sysBlockDir = dir
	t.Cleanup(func() { sysBlockDir = old })
}

func TestAttachNbdSkipsBusyDevices(t *testing.T) {
	// nbd0 is in use; nbd1 is free but the association never materializes
	// (size stays 0), so the claim is released and the attach fails.
	fakeNbdSysfs(t, map[string]string{"nbd0": "20971520", "nbd1": "0"})

	runner := &FakeRunner{}
	_, err := AttachNbd(context.Background(), runner, "/tmp/image.qcow2", "qcow2")
	assert.Error(t, err)

	assert.False(t, runner.CalledWith("qemu-nbd --connect=/dev/nbd0"))
	assert.True(t, runner.CalledWith("qemu-nbd --connect=/dev/nbd1"))
	assert.True(t, runner.CalledWith("qemu-nbd --disconnect /dev/nbd1"))
}

func TestAttachNbdNoDevices(t *testing.T) {
	fakeNbdSysfs(t, nil)

	_, err := AttachNbd(context.Background(), &FakeRunner{}, "/tmp/image.qcow2", "")
	assert.Error(t, err)
}
