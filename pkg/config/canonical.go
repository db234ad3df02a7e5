package config

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openanolis/cryptpilot/pkg/types"
)

// Canonicalize renders cfg as a canonical UTF-8 byte sequence: object keys
// sorted, absent optional fields omitted, booleans as true/false literals.
// Two processes loading the same configuration produce identical bytes, so
// the measured hash is stable across platforms and field declaration order.
func Canonicalize(cfg *types.FdeConfig) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize fde config: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to reparse fde config: %w", err)
	}
	var b strings.Builder
	writeCanonical(&b, tree)
	return []byte(b.String()), nil
}

// Hash returns the SHA-384 of the canonical serialization, hex encoded.
func Hash(cfg *types.FdeConfig) (string, error) {
	canon, err := Canonicalize(cfg)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum384(canon)
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(strconv.Quote(val))
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case nil:
		b.WriteString("null")
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	default:
		b.WriteString(fmt.Sprintf("%v", val))
	}
}
