package chain

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// PrivateKeyFromJSON decodes a keypair in the solana-keygen JSON format, a
// 64-element array of byte values.
func PrivateKeyFromJSON(raw string) (solana.PrivateKey, error) {
	var values []int
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode keypair JSON: %w", err)
	}
	if len(values) != 64 {
		return nil, fmt.Errorf("keypair must be 64 bytes, got %d", len(values))
	}
	key := make(solana.PrivateKey, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range: %d", i, v)
		}
		key[i] = byte(v)
	}
	if _, err := key.Sign([]byte("probe")); err != nil {
		return nil, fmt.Errorf("invalid keypair: %w", err)
	}
	return key, nil
}
