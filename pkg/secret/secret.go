package secret

import "crypto/rand"

// Secret owns a passphrase or key buffer. The buffer is zeroized by Zero;
// every code path that finishes with a Secret must call it, typically via
// defer. Secrets never implement Stringer with their contents and marshal
// as a redaction marker, so accidental logging cannot leak key material.
type Secret struct {
	data []byte
}

// New takes ownership of b. The caller must not retain or reuse b.
func New(b []byte) *Secret {
	return &Secret{data: b}
}

// Random returns n cryptographically random bytes as a Secret.
func Random(n int) (*Secret, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Secret{data: b}, nil
}

// Bytes exposes the underlying buffer. The returned slice aliases the
// secret; it is invalid after Zero.
func (s *Secret) Bytes() []byte {
	return s.data
}

// Len returns the secret length in bytes.
func (s *Secret) Len() int {
	return len(s.data)
}

// Zero overwrites the buffer. Safe to call more than once.
func (s *Secret) Zero() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// String implements fmt.Stringer with a redaction marker.
func (s *Secret) String() string {
	return "[redacted]"
}

// MarshalJSON redacts the secret.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}
