package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// VaultConfig holds credential vault configuration
type VaultConfig struct {
	Path                 string `yaml:"path"`
	KeyFile              string `yaml:"key_file"`
	KeyFromEnv           string `yaml:"key_from_env"`
	PassphraseFromEnv    string `yaml:"passphrase_from_env"`
	PBKDF2Iterations     int    `yaml:"pbkdf2_iterations"`
	GenerateKeyIfMissing bool   `yaml:"generate_key_if_missing"`
}

// DefaultVaultConfig returns default vault configuration
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		Path:                 "data/credentials.db",
		KeyFile:              "data/credentials.key",
		KeyFromEnv:           "FLEET_CONTROLLER_VAULT_KEY",
		PassphraseFromEnv:    "FLEET_CONTROLLER_VAULT_PASSPHRASE",
		PBKDF2Iterations:     100000,
		GenerateKeyIfMissing: true,
	}
}

// Credential is the secret material used to open a node's command channel.
type Credential struct {
	Username   string `cbor:"1,keyasint,omitempty" json:"username,omitempty"`
	PrivateKey []byte `cbor:"2,keyasint,omitempty" json:"private_key,omitempty"`
	Passphrase string `cbor:"3,keyasint,omitempty" json:"passphrase,omitempty"`
	Password   string `cbor:"4,keyasint,omitempty" json:"password,omitempty"`
}

// IsEmpty reports whether the credential carries no secret at all.
func (c Credential) IsEmpty() bool {
	return len(c.PrivateKey) == 0 && c.Password == ""
}

var (
	credentialsBucket = []byte("credentials")
	metaBucket        = []byte("meta")
	saltKey           = []byte("kdf_salt")
)

// Vault stores node credentials encrypted with AES-GCM in a bbolt file.
type Vault struct {
	config *VaultConfig
	logger logger.Interface
	db     *bbolt.DB
	gcm    cipher.AEAD
}

// NewVault opens (or creates) the vault file and loads its key
func NewVault(config *VaultConfig, log logger.Interface) (*Vault, error) {
	if config == nil {
		config = DefaultVaultConfig()
	}

	v := &Vault{
		config: config,
		logger: log.WithField("component", "vault"),
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	db, err := bbolt.Open(config.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	v.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(credentialsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise vault buckets: %w", err)
	}

	key, err := v.loadKey()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	if v.gcm, err = cipher.NewGCM(block); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return v, nil
}

// loadKey resolves the key in order: base64 env var, passphrase env var
// (PBKDF2 with a salt persisted in the vault), key file, generated key.
func (v *Vault) loadKey() ([]byte, error) {
	if v.config.KeyFromEnv != "" {
		if encoded := os.Getenv(v.config.KeyFromEnv); encoded != "" {
			key, err := decodeKey(encoded)
			if err != nil {
				return nil, fmt.Errorf("key from environment: %w", err)
			}
			v.logger.Debug("Vault key loaded from environment variable")
			return key, nil
		}
	}

	if v.config.PassphraseFromEnv != "" {
		if passphrase := os.Getenv(v.config.PassphraseFromEnv); passphrase != "" {
			salt, err := v.salt()
			if err != nil {
				return nil, err
			}
			return DeriveKey(passphrase, salt, v.config.PBKDF2Iterations), nil
		}
	}

	if v.config.KeyFile != "" {
		data, err := os.ReadFile(v.config.KeyFile)
		if err == nil {
			key, err := decodeKey(string(data))
			if err != nil {
				return nil, fmt.Errorf("key file %s: %w", v.config.KeyFile, err)
			}
			return key, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
	}

	if !v.config.GenerateKeyIfMissing {
		return nil, fmt.Errorf("no vault key found and key generation is disabled")
	}
	return v.generateKey()
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (256 bits), got %d", len(key))
	}
	return key, nil
}

func (v *Vault) generateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if v.config.KeyFile != "" {
		if err := os.MkdirAll(filepath.Dir(v.config.KeyFile), 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(v.config.KeyFile, []byte(base64.StdEncoding.EncodeToString(key)), 0600); err != nil {
			return nil, fmt.Errorf("failed to save key file: %w", err)
		}
		v.logger.WithField("key_file", v.config.KeyFile).Warn("Generated new vault key; back it up")
	}
	return key, nil
}

func (v *Vault) salt() ([]byte, error) {
	var salt []byte
	err := v.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if existing := b.Get(saltKey); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		return b.Put(saltKey, salt)
	})
	return salt, err
}

// DeriveKey derives a 256-bit key from a passphrase using PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = 100000
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
}

// Close closes the vault file
func (v *Vault) Close() error {
	return v.db.Close()
}

// PutCredential encrypts and stores a credential under ref
func (v *Vault) PutCredential(ref string, cred Credential) error {
	if ref == "" {
		return errors.NewValidationError("ref", ref, "must not be empty")
	}
	plain, err := cbor.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return err
	}

	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put([]byte(ref), sealed)
	})
}

// GetCredential decrypts the credential stored under ref
func (v *Vault) GetCredential(ref string) (*Credential, error) {
	var sealed []byte
	err := v.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(credentialsBucket).Get([]byte(ref))
		if data == nil {
			return errors.Wrapf(errors.ErrNotFound, "credential %q", ref)
		}
		sealed = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	plain, err := v.open(sealed)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := cbor.Unmarshal(plain, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

// DeleteCredential removes the credential stored under ref
func (v *Vault) DeleteCredential(ref string) error {
	return v.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b.Get([]byte(ref)) == nil {
			return errors.Wrapf(errors.ErrNotFound, "credential %q", ref)
		}
		return b.Delete([]byte(ref))
	})
}

// ListRefs returns stored credential refs in sorted order
func (v *Vault) ListRefs() ([]string, error) {
	var refs []string
	err := v.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).ForEach(func(k, _ []byte) error {
			refs = append(refs, string(k))
			return nil
		})
	})
	sort.Strings(refs)
	return refs, err
}

func (v *Vault) seal(data []byte) ([]byte, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	return v.gcm.Seal(nonce, nonce, data, nil), nil
}

func (v *Vault) open(data []byte) ([]byte, error) {
	nonceSize := v.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := v.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return plain, nil
}
