package statehistory

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// encryptedMagic starts every encrypted artifact.
var encryptedMagic = [4]byte{'S', 'H', 'E', 'N'}

const (
	encryptedVersion    = 1
	encryptedHeaderSize = 4 + 1 + EncryptionSaltSize
)

// EncryptionConfig configures encryption of artifacts at rest.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Key is a hex-encoded 32 byte AES-256 key. If empty, Password is used
	// to derive a key per artifact.
	Key string `yaml:"key" env:"KEY"`
	// Password is stretched with PBKDF2 using a random salt stored in each
	// artifact header.
	Password string `yaml:"password" env:"PASSWORD"`
}

func (c EncryptionConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Key == "" && c.Password == "" {
		return errors.New("encryption enabled but no key or password provided")
	}
	if c.Key != "" {
		raw, err := hex.DecodeString(c.Key)
		if err != nil {
			return fmt.Errorf("encryption key is not hex: %w", err)
		}
		if len(raw) != EncryptionKeySize {
			return fmt.Errorf("encryption key must be %d bytes for AES-256", EncryptionKeySize)
		}
	}
	return nil
}

// EncryptedArtifactStore seals artifacts with AES-256-GCM before handing
// them to the wrapped store. The artifact key is bound as additional data,
// so a blob copied under another key fails to open.
type EncryptedArtifactStore struct {
	ArtifactStore
	rawKey   []byte
	password string

	mu      sync.Mutex
	derived map[[EncryptionSaltSize]byte]cipher.AEAD
}

// NewEncryptedArtifactStore wraps inner. It returns inner unchanged when
// encryption is disabled.
func NewEncryptedArtifactStore(inner ArtifactStore, cfg EncryptionConfig) (ArtifactStore, error) {
	if !cfg.Enabled {
		return inner, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &EncryptedArtifactStore{
		ArtifactStore: inner,
		password:      cfg.Password,
		derived:       make(map[[EncryptionSaltSize]byte]cipher.AEAD),
	}
	if cfg.Key != "" {
		e.rawKey, _ = hex.DecodeString(cfg.Key)
	}
	return e, nil
}

// aead returns the cipher for an artifact salt. Password-derived keys are
// memoized per salt since PBKDF2 is slow on purpose.
func (e *EncryptedArtifactStore) aead(salt [EncryptionSaltSize]byte) (cipher.AEAD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gcm, ok := e.derived[salt]; ok {
		return gcm, nil
	}
	key := e.rawKey
	if key == nil {
		key = pbkdf2.Key([]byte(e.password), salt[:], PBKDF2Iterations, EncryptionKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	e.derived[salt] = gcm
	return gcm, nil
}

func (e *EncryptedArtifactStore) Write(ctx context.Context, key string, data []byte) error {
	var salt [EncryptionSaltSize]byte
	if e.rawKey == nil {
		if _, err := rand.Read(salt[:]); err != nil {
			return err
		}
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(encryptedHeaderSize + EncryptionNonceSize + len(data) + gcm.Overhead())
	buf.Write(encryptedMagic[:])
	buf.WriteByte(encryptedVersion)
	buf.Write(salt[:])
	buf.Write(gcm.Seal(nonce, nonce, data, []byte(key)))
	return e.ArtifactStore.Write(ctx, key, buf.Bytes())
}

func (e *EncryptedArtifactStore) Read(ctx context.Context, key string) ([]byte, error) {
	blob, err := e.ArtifactStore.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(blob) < encryptedHeaderSize+EncryptionNonceSize || !bytes.Equal(blob[:4], encryptedMagic[:]) {
		return nil, newStorageError(StorageErrorTypeCorruption, "artifact is not encrypted", key, nil)
	}
	if blob[4] != encryptedVersion {
		return nil, newStorageError(StorageErrorTypeVersion,
			fmt.Sprintf("unsupported encryption version %d", blob[4]), key, nil)
	}

	var salt [EncryptionSaltSize]byte
	copy(salt[:], blob[5:encryptedHeaderSize])
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	sealed := blob[encryptedHeaderSize:]
	plain, err := gcm.Open(nil, sealed[:EncryptionNonceSize], sealed[EncryptionNonceSize:], []byte(key))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "decryption failed", key, err)
	}
	return plain, nil
}

var _ ArtifactStore = (*EncryptedArtifactStore)(nil)
