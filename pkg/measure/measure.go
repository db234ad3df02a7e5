package measure

import (
	"context"
	"fmt"
	"sync"

	"github.com/openanolis/cryptpilot/pkg/ipc"
	"github.com/openanolis/cryptpilot/pkg/log"
)

// Domain tags every cryptpilot event in the attestation event log.
const Domain = "cryptpilot.alibabacloud.com"

// Operation names the measured action.
type Operation string

const (
	// OpLoadConfig binds the hash of the active FDE configuration. Written
	// before any key request so the broker sees the config in the evidence.
	OpLoadConfig Operation = "load_config"

	// OpFdeRootfsHash binds the verified dm-verity root hash. Written after
	// verity activation, before the overlay is mounted.
	OpFdeRootfsHash Operation = "fde_rootfs_hash"

	// OpInitrdSwitchRoot marks the handoff to the real init.
	OpInitrdSwitchRoot Operation = "initrd_switch_root"
)

// ConfigContent renders the load_config event content for a config hash.
func ConfigContent(alg, hexDigest string) string {
	return fmt.Sprintf(`{"alg":%q,"value":%q}`, alg, hexDigest)
}

// Sink appends domain-tagged events to an attestation event log. An event
// must be written successfully before the action that depends on its binding
// is taken; implementations do not reorder or buffer.
type Sink interface {
	Extend(ctx context.Context, op Operation, content string) error
}

// AASink submits events to the attestation agent's runtime event log.
type AASink struct {
	client *ipc.AAClient
}

// NewAASink connects to the attestation agent at socket ("" for default).
func NewAASink(socket string) (*AASink, error) {
	client, err := ipc.DialAA(socket)
	if err != nil {
		return nil, err
	}
	return &AASink{client: client}, nil
}

// Extend appends one event and extends the runtime measurement register.
func (s *AASink) Extend(ctx context.Context, op Operation, content string) error {
	if err := s.client.ExtendRuntimeMeasurement(ctx, Domain, string(op), content); err != nil {
		return fmt.Errorf("failed to measure %s: %w", op, err)
	}
	return nil
}

// Close releases the agent connection.
func (s *AASink) Close() error {
	return s.client.Close()
}

// NopSink is used when no attestation agent is present. Absence is
// non-fatal: the first event logs a warning, each skipped event is logged at
// debug level, and every event is reported as written.
type NopSink struct {
	once sync.Once
}

func (s *NopSink) Extend(ctx context.Context, op Operation, content string) error {
	s.once.Do(func() {
		log.WithComponent("measure").Warn().
			Msg("no attestation agent available, measurements will not be recorded")
	})
	log.WithComponent("measure").Debug().
		Str("operation", string(op)).Str("content", content).
		Msg("skipping measurement")
	return nil
}

// Select returns the agent-backed sink when the agent socket exists, the nop
// sink otherwise. The agent sink returns a failed submission to the caller,
// and the FDE boot stages treat it as fatal.
func Select(socket string) Sink {
	if !ipc.AAPresent(socket) {
		return &NopSink{}
	}
	sink, err := NewAASink(socket)
	if err != nil {
		log.WithComponent("measure").Warn().Err(err).
			Msg("attestation agent present but unreachable, measurements disabled")
		return &NopSink{}
	}
	return sink
}
