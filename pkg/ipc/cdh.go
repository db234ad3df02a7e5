package ipc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultCDHSocket is where the confidential data hub listens.
	DefaultCDHSocket = "/run/confidential-containers/cdh.sock"

	cdhUnsealSecret = "/api.SealedSecretService/UnsealSecret"
	cdhUnwrapKey    = "/api.KeyProviderService/UnWrapKey"
)

// CDHClient talks to the local confidential data hub over its unix socket.
// The hub fronts the KMS plugins and the key-unwrapping primitives of the
// guest; cryptpilot hands it provider descriptors and gets plaintext back.
type CDHClient struct {
	conn *grpc.ClientConn
}

// DialCDH connects to the confidential data hub.
func DialCDH(socket string) (*CDHClient, error) {
	if socket == "" {
		socket = DefaultCDHSocket
	}
	conn, err := grpc.NewClient("unix://"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to confidential data hub at %s: %w", socket, err)
	}
	return &CDHClient{conn: conn}, nil
}

// Close releases the connection.
func (c *CDHClient) Close() error {
	return c.conn.Close()
}

// UnsealSecret resolves a sealed-secret envelope to its plaintext. The
// envelope format is owned by the hub; cryptpilot treats it as opaque.
func (c *CDHClient) UnsealSecret(ctx context.Context, sealed string) ([]byte, error) {
	var req []byte
	req = appendString(req, 1, sealed)

	resp := &rawMessage{}
	if err := c.conn.Invoke(ctx, cdhUnsealSecret, &rawMessage{data: req}, resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fmt.Errorf("confidential data hub UnsealSecret failed: %w", err)
	}
	f, err := fields(resp.data)
	if err != nil {
		return nil, err
	}
	return f[1], nil
}

// UnwrapKey decrypts a wrapped key blob with the TEE-local key held by the
// hub. annotation is the key-wrap protocol payload from the key broker.
func (c *CDHClient) UnwrapKey(ctx context.Context, annotation []byte) ([]byte, error) {
	var req []byte
	req = appendBytes(req, 1, annotation)

	resp := &rawMessage{}
	if err := c.conn.Invoke(ctx, cdhUnwrapKey, &rawMessage{data: req}, resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fmt.Errorf("confidential data hub UnWrapKey failed: %w", err)
	}
	f, err := fields(resp.data)
	if err != nil {
		return nil, err
	}
	return f[1], nil
}
