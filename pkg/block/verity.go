package block

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// VerityHashAlgo selects the dm-verity hash tree algorithm. It must match
// the algorithm used when the reference root hash was recorded.
type VerityHashAlgo string

const (
	VeritySha256 VerityHashAlgo = "sha256"
	VeritySha384 VerityHashAlgo = "sha384"
	VeritySha1   VerityHashAlgo = "sha1"
	VeritySm3    VerityHashAlgo = "sm3"
)

// Valid reports whether the algorithm is supported.
func (a VerityHashAlgo) Valid() bool {
	switch a {
	case VeritySha256, VeritySha384, VeritySha1, VeritySm3:
		return true
	}
	return false
}

var verityRootHashRe = regexp.MustCompile(`Root hash:\s*([0-9a-fA-F]+)`)

// VerityFormat builds a hash tree for dataDev onto hashDev and returns the
// root hash in hex.
func VerityFormat(ctx context.Context, runner Runner, dataDev, hashDev string, algo VerityHashAlgo) (string, error) {
	if algo == "" {
		algo = VeritySha256
	}
	out, err := runner.Run(ctx, "veritysetup", "format",
		"--hash="+string(algo), dataDev, hashDev)
	if err != nil {
		return "", &types.DeviceError{Device: dataDev, Step: "veritysetup format", Err: err}
	}
	m := verityRootHashRe.FindStringSubmatch(out)
	if m == nil {
		return "", &types.DeviceError{Device: dataDev, Step: "veritysetup format",
			Err: fmt.Errorf("no root hash in veritysetup output")}
	}
	return strings.ToLower(m[1]), nil
}

// VerityOpen activates a read-only verity node over dataDev, verified
// against rootHash. veritysetup accepts any well-formed root hash here; a
// root hash that does not match the stored tree, or a tampered sector,
// surfaces as a failed read through the node.
func VerityOpen(ctx context.Context, runner Runner, name, dataDev, hashDev, rootHash string) error {
	if _, err := runner.Run(ctx, "veritysetup", "open",
		dataDev, name, hashDev, rootHash); err != nil {
		return &types.IntegrityError{
			Device: dataDev,
			Reason: fmt.Sprintf("verity activation with root hash %s failed: %v", rootHash, err),
		}
	}
	return nil
}

// VerityClose deactivates a verity node.
func VerityClose(ctx context.Context, runner Runner, name string) error {
	if _, err := runner.Run(ctx, "veritysetup", "close", name); err != nil {
		return &types.DeviceError{Device: name, Step: "veritysetup close", Err: err}
	}
	return nil
}
