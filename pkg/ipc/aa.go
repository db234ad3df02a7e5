package ipc

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultAASocket is where the attestation agent listens.
	DefaultAASocket = "/run/confidential-containers/attestation-agent/attestation-agent.sock"

	aaService                  = "/attestation_agent.AttestationAgentService/"
	aaGetEvidence              = aaService + "GetEvidence"
	aaExtendRuntimeMeasurement = aaService + "ExtendRuntimeMeasurement"
)

// AAClient talks to the out-of-process attestation agent over its unix
// socket. The agent holds the TEE-local keys; cryptpilot never sees them.
type AAClient struct {
	conn *grpc.ClientConn
}

// AAPresent reports whether the attestation agent socket exists. Absence is
// tolerated: measurement becomes a no-op with a warning.
func AAPresent(socket string) bool {
	if socket == "" {
		socket = DefaultAASocket
	}
	_, err := os.Stat(socket)
	return err == nil
}

// DialAA connects to the attestation agent.
func DialAA(socket string) (*AAClient, error) {
	if socket == "" {
		socket = DefaultAASocket
	}
	conn, err := grpc.NewClient("unix://"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to attestation agent at %s: %w", socket, err)
	}
	return &AAClient{conn: conn}, nil
}

// Close releases the connection.
func (c *AAClient) Close() error {
	return c.conn.Close()
}

// GetEvidence asks the agent for a TEE evidence bundle binding runtimeData.
func (c *AAClient) GetEvidence(ctx context.Context, runtimeData []byte) ([]byte, error) {
	var req []byte
	req = appendBytes(req, 1, runtimeData)

	resp := &rawMessage{}
	if err := c.conn.Invoke(ctx, aaGetEvidence, &rawMessage{data: req}, resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fmt.Errorf("attestation agent GetEvidence failed: %w", err)
	}
	f, err := fields(resp.data)
	if err != nil {
		return nil, err
	}
	return f[1], nil
}

// ExtendRuntimeMeasurement appends a (domain, operation, content) event to
// the agent's runtime event log, extending the runtime measurement register.
func (c *AAClient) ExtendRuntimeMeasurement(ctx context.Context, domain, operation, content string) error {
	var req []byte
	req = appendString(req, 1, domain)
	req = appendString(req, 2, operation)
	req = appendString(req, 3, content)

	resp := &rawMessage{}
	if err := c.conn.Invoke(ctx, aaExtendRuntimeMeasurement, &rawMessage{data: req}, resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return fmt.Errorf("attestation agent ExtendRuntimeMeasurement failed: %w", err)
	}
	return nil
}
