package block

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeLoopSysfs populates /sys/block/loopN/loop/backing_file entries.
func fakeLoopSysfs(t *testing.T, backing map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for node, file := range backing {
		base := filepath.Join(dir, node, "loop")
		if err := os.MkdirAll(base, 0755); err != nil {
			t.Fatal(err)
		}
		if file != "" {
			if err := os.WriteFile(filepath.Join(base, "backing_file"), []byte(file+"\n"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	old := sysBlockDir
	sysBlockDir = dir
	t.Cleanup(func() { sysBlockDir = old })
}

func TestAttachLoopClaim(t *testing.T) {
	img := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(img, make([]byte, 1024), 0600); err != nil {
		t.Fatal(err)
	}
	fakeLoopSysfs(t, map[string]string{"loop0": img})

	runner := &FakeRunner{Outputs: map[string]string{
		"losetup --find --show": "/dev/loop0",
	}}

	loop, err := AttachLoop(context.Background(), runner, img)
	if err != nil {
		t.Fatalf("AttachLoop() error = %v", err)
	}
	assert.Equal(t, "/dev/loop0", loop.Path)

	if err := loop.Detach(context.Background()); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	assert.True(t, runner.CalledWith("losetup --detach /dev/loop0"))

	// Double detach is a no-op.
	assert.NoError(t, loop.Detach(context.Background()))
}

func TestAttachLoopLostRace(t *testing.T) {
	img := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(img, make([]byte, 1024), 0600); err != nil {
		t.Fatal(err)
	}
	// The kernel reports loop0 as backed by someone else's file: every
	// claim attempt loses the race and the association is released.
	fakeLoopSysfs(t, map[string]string{"loop0": "/other/file.img"})

	runner := &FakeRunner{Outputs: map[string]string{
		"losetup --find --show": "/dev/loop0",
	}}

	_, err := AttachLoop(context.Background(), runner, img)
	assert.Error(t, err)
	assert.True(t, runner.CalledWith("losetup --detach /dev/loop0"))
}

func TestResolveUnderlay(t *testing.T) {
	img := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(img, make([]byte, 1024), 0600); err != nil {
		t.Fatal(err)
	}
	fakeLoopSysfs(t, map[string]string{"loop3": img, "loop4": ""})

	dev, ok := ResolveUnderlay(img)
	assert.True(t, ok)
	assert.Equal(t, "/dev/loop3", dev)

	// A file with no loop association resolves to nothing.
	other := filepath.Join(t.TempDir(), "other.img")
	if err := os.WriteFile(other, nil, 0600); err != nil {
		t.Fatal(err)
	}
	_, ok = ResolveUnderlay(other)
	assert.False(t, ok)
}
