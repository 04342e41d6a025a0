package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/pkg/crypto"
)

const sealedKey = "sealed"

// sealer encrypts network security data at rest. The network id is bound
// as associated data, so a blob copied onto another row does not open.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	// probe the key once so a bad size fails at startup
	if _, err := crypto.Seal(key, nil, nil); err != nil {
		if errors.Is(err, crypto.ErrKeySize) {
			return nil, fmt.Errorf("encryption key: %v: %w", err, ErrInvalidData)
		}
		return nil, err
	}
	return &sealer{key: key}, nil
}

// seal returns {"sealed": base64(blob)}. A nil sealer stores plaintext.
func (s *sealer) seal(networkID uuid.UUID, sd models.Variables) (models.Variables, error) {
	if sd == nil {
		sd = models.Variables{}
	}
	if s == nil {
		return sd, nil
	}
	plain, err := json.Marshal(sd)
	if err != nil {
		return nil, err
	}
	blob, err := crypto.Seal(s.key, plain, networkID[:])
	if err != nil {
		return nil, fmt.Errorf("seal security data: %w", err)
	}
	return models.Variables{sealedKey: base64.StdEncoding.EncodeToString(blob)}, nil
}

func (s *sealer) unseal(networkID uuid.UUID, stored models.Variables) (models.Variables, error) {
	enc, ok := stored[sealedKey].(string)
	if !ok || len(stored) != 1 {
		return stored, nil
	}
	if s == nil {
		return nil, fmt.Errorf("security data is sealed but no encryption key is configured: %w", ErrInvalidData)
	}
	blob, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode sealed security data: %w", err)
	}
	plain, err := crypto.Open(s.key, blob, networkID[:])
	if err != nil {
		return nil, fmt.Errorf("unseal security data: %v: %w", err, ErrInvalidData)
	}
	out := models.Variables{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, err
	}
	return out, nil
}
