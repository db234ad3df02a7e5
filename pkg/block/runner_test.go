package block

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/types"
)

func TestFakeRunnerRecordsCalls(t *testing.T) {
	runner := &FakeRunner{}
	_, _ = runner.Run(context.Background(), "losetup", "--find", "--show", "/tmp/img")
	_, _ = runner.Run(context.Background(), "udevadm", "settle")

	assert.Equal(t, []string{
		"losetup --find --show /tmp/img",
		"udevadm settle",
	}, runner.Calls())
	assert.True(t, runner.CalledWith("losetup --find"))
	assert.False(t, runner.CalledWith("vgchange"))
}

func TestFakeRunnerCannedReplies(t *testing.T) {
	runner := &FakeRunner{
		Outputs: map[string]string{"losetup --find": "/dev/loop7"},
		Errors:  map[string]error{"mkfs.ext4": errors.New("no space")},
	}

	out, err := runner.Run(context.Background(), "losetup", "--find", "--show", "/tmp/img")
	assert.NoError(t, err)
	assert.Equal(t, "/dev/loop7", out)

	_, err = runner.Run(context.Background(), "mkfs.ext4", "-F", "/dev/mapper/data0")
	assert.Error(t, err)
}

func TestMakeFsCommandSelection(t *testing.T) {
	tests := []struct {
		name    string
		fs      types.MakeFsType
		wantCmd string
	}{
		{name: "ext4", fs: types.MakeFsExt4, wantCmd: "mkfs.ext4 -F /dev/mapper/v"},
		{name: "xfs", fs: types.MakeFsXfs, wantCmd: "mkfs.xfs -f /dev/mapper/v"},
		{name: "vfat", fs: types.MakeFsVfat, wantCmd: "mkfs.vfat /dev/mapper/v"},
		{name: "swap", fs: types.MakeFsSwap, wantCmd: "mkswap --force /dev/mapper/v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &FakeRunner{}
			if err := MakeFs(context.Background(), runner, "/dev/mapper/v", tt.fs); err != nil {
				t.Fatalf("MakeFs() error = %v", err)
			}
			assert.Equal(t, []string{tt.wantCmd}, runner.Calls())
		})
	}
}

func TestMakeFsNoneIsNoop(t *testing.T) {
	runner := &FakeRunner{}
	if err := MakeFs(context.Background(), runner, "/dev/mapper/v", types.MakeFsNone); err != nil {
		t.Fatalf("MakeFs() error = %v", err)
	}
	assert.Empty(t, runner.Calls())
}

func TestFsSignatureFor(t *testing.T) {
	assert.Equal(t, "ext4", FsSignatureFor(types.MakeFsExt4))
	assert.Equal(t, "swap", FsSignatureFor(types.MakeFsSwap))
	assert.Equal(t, "", FsSignatureFor(types.MakeFsNone))
}
