package encryption

import (
	"fmt"

	"studysync/internal/config"
	"studysync/internal/replica"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// It returns nil when encryption is disabled: snapshots are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (replica.Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case config.EncryptionAge, "":
		return NewAgeEncryptor(cfg), nil
	case config.EncryptionTest:
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
