package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"time"

	"go.uber.org/zap"

	domainaudit "github.com/tutorgate/platform-trust-core/internal/domain/audit"
	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
	"github.com/tutorgate/platform-trust-core/internal/service/audit"
)

// EnvelopeVersion is written into every envelope so the format can evolve.
const EnvelopeVersion = "1.0"

const (
	ivSize  = 12 // 96-bit GCM nonce
	tagSize = 16
)

// Config for the encryption service.
type Config struct {
	// MasterSecret seeds HKDF key derivation. Required.
	MasterSecret []byte
	// DefaultRotationInterval applies when a schema does not specify one.
	DefaultRotationInterval time.Duration
	// RotationSweepInterval is the background rotation cadence.
	RotationSweepInterval time.Duration
}

// DefaultConfig returns encryption defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRotationInterval: 90 * 24 * time.Hour,
		RotationSweepInterval:   time.Hour,
	}
}

// EnvelopeMetadata is the non-sensitive context carried alongside ciphertext.
type EnvelopeMetadata struct {
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"classification"`
	Tenant         string         `json:"tenant,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
}

// Envelope is the self-describing ciphertext container. Decryption needs
// nothing beyond the envelope and this service's keyring.
type Envelope struct {
	Version    string           `json:"version"`
	KeyID      string           `json:"key_id"`
	Algorithm  Algorithm        `json:"algorithm"`
	IV         string           `json:"iv"`
	Ciphertext string           `json:"ciphertext"`
	Tag        string           `json:"tag"`
	Metadata   EnvelopeMetadata `json:"metadata"`
}

// Options carry the optional parameters of an encrypt call.
type Options struct {
	Tenant    string
	Algorithm Algorithm // defaults to AES-256-GCM
	UserID    string
}

// Service performs field-level envelope encryption with managed key
// lifecycle. All key material is derived in-process from the master secret.
type Service struct {
	config  Config
	keyring *keyring
	schemas *schemaRegistry
	logger  *zap.Logger
	audit   *audit.Logger
}

// NewService validates config and builds the service. The audit logger is
// optional; when present every key and data operation is recorded.
func NewService(config Config, logger *zap.Logger, auditLog *audit.Logger) (*Service, error) {
	if len(config.MasterSecret) < 32 {
		return nil, errors.NewConfigurationError("encryption master secret must be at least 32 bytes")
	}
	defaults := DefaultConfig()
	if config.DefaultRotationInterval <= 0 {
		config.DefaultRotationInterval = defaults.DefaultRotationInterval
	}
	if config.RotationSweepInterval <= 0 {
		config.RotationSweepInterval = defaults.RotationSweepInterval
	}
	return &Service{
		config:  config,
		keyring: newKeyring(config.MasterSecret),
		schemas: defaultSchemas(),
		logger:  logger,
		audit:   auditLog,
	}, nil
}

// Encrypt seals plaintext under the tuple's active key, minting one if
// needed. The key id is bound in as AAD, so an envelope cannot be replayed
// against a different key's context.
func (s *Service) Encrypt(ctx context.Context, plaintext string, classification Classification, opts Options) (*Envelope, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmAES256GCM
	}
	if opts.Algorithm != AlgorithmAES256GCM {
		return nil, errors.NewValidationError("UNSUPPORTED_ALGORITHM",
			"algorithm "+string(opts.Algorithm)+" is not supported")
	}

	key, minted, err := s.keyring.activeKey(classification, opts.Algorithm, opts.Tenant, s.config.DefaultRotationInterval)
	if err != nil {
		return nil, err
	}
	if minted {
		s.auditKeyEvent(ctx, domainaudit.EventKeyGenerated, key, opts.UserID)
	}

	aead, err := s.aead(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), []byte(key.ID))
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	env := &Envelope{
		Version:    EnvelopeVersion,
		KeyID:      key.ID,
		Algorithm:  key.Algorithm,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Metadata: EnvelopeMetadata{
			Timestamp:      time.Now().UTC(),
			Classification: classification,
			Tenant:         opts.Tenant,
			UserID:         opts.UserID,
		},
	}

	s.auditDataEvent(ctx, domainaudit.EventDataEncrypted, domainaudit.ResultSuccess, key, opts.UserID)
	return env, nil
}

// Decrypt opens an envelope. The key is resolved strictly by the envelope's
// key id; deprecated keys still decrypt, revoked keys refuse.
func (s *Service) Decrypt(ctx context.Context, env *Envelope, userID string) (string, error) {
	key, ok := s.keyring.byID(env.KeyID)
	if !ok {
		return "", errors.NewNotFoundError("encryption key")
	}
	if key.Status == KeyStatusRevoked {
		s.auditDataEvent(ctx, domainaudit.EventDataDecrypted, domainaudit.ResultBlocked, key, userID)
		return "", errors.NewAuthorizationError("encryption key has been revoked")
	}
	if env.Algorithm != key.Algorithm {
		return "", errors.NewValidationError("ALGORITHM_MISMATCH",
			"envelope algorithm does not match key algorithm")
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return "", errors.NewValidationError("MALFORMED_ENVELOPE", "invalid iv encoding")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", errors.NewValidationError("MALFORMED_ENVELOPE", "invalid ciphertext encoding")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return "", errors.NewValidationError("MALFORMED_ENVELOPE", "invalid tag encoding")
	}

	aead, err := s.aead(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), []byte(key.ID))
	if err != nil {
		s.logger.Warn("decryption failed",
			zap.String("key_id", key.ID),
			zap.String("classification", string(key.Classification)))
		return "", errors.NewValidationError("DECRYPTION_FAILED", "ciphertext failed authentication").WithCause(err)
	}

	s.auditDataEvent(ctx, domainaudit.EventDataDecrypted, domainaudit.ResultSuccess, key, userID)
	return string(plaintext), nil
}

// RevokeKey permanently retires a key. Data encrypted under it becomes
// unrecoverable through this service.
func (s *Service) RevokeKey(ctx context.Context, keyID, userID string) error {
	key, err := s.keyring.revoke(keyID)
	if err != nil {
		return err
	}
	s.logger.Warn("encryption key revoked", zap.String("key_id", keyID))
	s.auditKeyEvent(ctx, domainaudit.EventKeyRevoked, key, userID)
	return nil
}

// RotateExpiredKeys deprecates keys past their horizon and mints
// replacements. Returns how many keys rotated.
func (s *Service) RotateExpiredKeys(ctx context.Context) (int, error) {
	rotated, err := s.keyring.rotateExpired(time.Now().UTC())
	for _, key := range rotated {
		s.logger.Info("encryption key rotated",
			zap.String("key_id", key.ID),
			zap.String("classification", string(key.Classification)))
		s.auditKeyEvent(ctx, domainaudit.EventKeyRotated, key, "")
	}
	return len(rotated), err
}

// StartRotationSweep runs RotateExpiredKeys on the configured cadence until
// the context ends. Failures are logged and the loop continues.
func (s *Service) StartRotationSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.RotationSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RotateExpiredKeys(ctx); err != nil {
					s.logger.Error("key rotation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Keys lists key metadata for health reporting. Material is never included.
func (s *Service) Keys() []KeyInfo {
	return s.keyring.snapshot()
}

func (s *Service) aead(key *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return aead, nil
}

func (s *Service) auditKeyEvent(ctx context.Context, eventType domainaudit.EventType, key *Key, userID string) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Log(ctx, audit.Entry{
		Type:        eventType,
		Result:      domainaudit.ResultSuccess,
		Actor:       domainaudit.Actor{UserID: userID},
		Resource:    "encryption_key",
		Description: "encryption key lifecycle event",
		Metadata: map[string]interface{}{
			"key_id":         key.ID,
			"classification": string(key.Classification),
			"tenant":         key.Tenant,
			"status":         string(key.Status),
		},
	})
}

func (s *Service) auditDataEvent(ctx context.Context, eventType domainaudit.EventType, result domainaudit.Result, key *Key, userID string) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Log(ctx, audit.Entry{
		Type:        eventType,
		Result:      result,
		Actor:       domainaudit.Actor{UserID: userID},
		Resource:    "protected_field",
		Description: "field encryption operation",
		Metadata: map[string]interface{}{
			"key_id":         key.ID,
			"classification": string(key.Classification),
			"tenant":         key.Tenant,
		},
	})
}
