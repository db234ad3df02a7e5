package block

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openanolis/cryptpilot/pkg/types"
)

const veritysetupFormatOutput = `VERITY header information for /dev/system/rootfs_hash
UUID:            612a6fc6-8ffc-411e-a3b8-9c6bd2a2b8f3
Hash type:       1
Data blocks:     262144
Data block size: 4096
Hash algorithm:  sha256
Salt:            26d92e1fd2bb4d1e1e739c472b94ed296c47d90a04a4e0addcfe87de0d0e2c9e
Root hash:       e2f2588d4b52d7e6e320c2e68d471a8e475a4547a6d95b4e488b1c1b1e6a97a1`

func TestVerityFormatParsesRootHash(t *testing.T) {
	runner := &FakeRunner{Outputs: map[string]string{
		"veritysetup format": veritysetupFormatOutput,
	}}

	hash, err := VerityFormat(context.Background(), runner, "/dev/system/rootfs", "/dev/system/rootfs_hash", VeritySha256)
	if err != nil {
		t.Fatalf("VerityFormat() error = %v", err)
	}

	assert.Equal(t, "e2f2588d4b52d7e6e320c2e68d471a8e475a4547a6d95b4e488b1c1b1e6a97a1", hash)
	assert.Contains(t, runner.Calls()[0], "--hash=sha256")
}

func TestVerityFormatDefaultsToSha256(t *testing.T) {
	runner := &FakeRunner{Outputs: map[string]string{
		"veritysetup format": veritysetupFormatOutput,
	}}

	_, err := VerityFormat(context.Background(), runner, "/dev/a", "/dev/b", "")
	if err != nil {
		t.Fatalf("VerityFormat() error = %v", err)
	}
	assert.Contains(t, runner.Calls()[0], "--hash=sha256")
}

func TestVerityFormatNoRootHash(t *testing.T) {
	runner := &FakeRunner{Outputs: map[string]string{
		"veritysetup format": "garbage output",
	}}

	_, err := VerityFormat(context.Background(), runner, "/dev/a", "/dev/b", VeritySha256)
	var de *types.DeviceError
	assert.ErrorAs(t, err, &de)
}

func TestVerityOpenFailureIsIntegrityError(t *testing.T) {
	runner := &FakeRunner{Errors: map[string]error{
		"veritysetup open": errors.New("device-mapper: reload ioctl failed"),
	}}

	err := VerityOpen(context.Background(), runner, "rootfs_verity", "/dev/system/rootfs", "/dev/system/rootfs_hash", "0000")
	var ie *types.IntegrityError
	assert.ErrorAs(t, err, &ie)
}

func TestVerityHashAlgoValid(t *testing.T) {
	assert.True(t, VeritySha256.Valid())
	assert.True(t, VeritySm3.Valid())
	assert.False(t, VerityHashAlgo("md5").Valid())
}
