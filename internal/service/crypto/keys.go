package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// Classification labels how sensitive a plaintext is. It is part of the key
// tuple, so values with different classifications never share a key.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationPII          Classification = "pii"
)

// Algorithm names the AEAD construction. Only AES-256-GCM is implemented;
// the field exists so envelopes stay self-describing if another is added.
type Algorithm string

const AlgorithmAES256GCM Algorithm = "aes-256-gcm"

// KeyStatus is the key's lifecycle position. Active keys encrypt and decrypt,
// deprecated keys only decrypt, revoked keys do neither.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusDeprecated KeyStatus = "deprecated"
	KeyStatusRevoked    KeyStatus = "revoked"
)

// Key is one derived encryption key and its lifecycle metadata. The material
// itself never leaves this package.
type Key struct {
	ID               string         `json:"id"`
	Classification   Classification `json:"classification"`
	Algorithm        Algorithm      `json:"algorithm"`
	Tenant           string         `json:"tenant,omitempty"`
	Status           KeyStatus      `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	NextRotation     time.Time      `json:"next_rotation"`
	RotationInterval time.Duration  `json:"rotation_interval"`

	material []byte
}

// KeyInfo is the exportable view of a key, without material.
type KeyInfo struct {
	ID             string         `json:"id"`
	Classification Classification `json:"classification"`
	Algorithm      Algorithm      `json:"algorithm"`
	Tenant         string         `json:"tenant,omitempty"`
	Status         KeyStatus      `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	NextRotation   time.Time      `json:"next_rotation"`
}

func (k *Key) info() KeyInfo {
	return KeyInfo{
		ID:             k.ID,
		Classification: k.Classification,
		Algorithm:      k.Algorithm,
		Tenant:         k.Tenant,
		Status:         k.Status,
		CreatedAt:      k.CreatedAt,
		NextRotation:   k.NextRotation,
	}
}

// tupleKey identifies the at-most-one-active-key slot.
func tupleKey(classification Classification, algorithm Algorithm, tenant string) string {
	return fmt.Sprintf("%s|%s|%s", classification, algorithm, tenant)
}

// keyring owns all keys for the process. One active key per
// (classification, algorithm, tenant) tuple; older keys stay resolvable
// by id until revoked.
type keyring struct {
	mu           sync.RWMutex
	masterSecret []byte
	keys         map[string]*Key // by key id
	active       map[string]*Key // by tuple
}

func newKeyring(masterSecret []byte) *keyring {
	return &keyring{
		masterSecret: masterSecret,
		keys:         make(map[string]*Key),
		active:       make(map[string]*Key),
	}
}

// deriveMaterial stretches the master secret into 256 bits of key material
// bound to the key id, so each key id maps to distinct material.
func (r *keyring) deriveMaterial(keyID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, r.masterSecret, nil, []byte("field-encryption:"+keyID))
	material := make([]byte, 32)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, errors.Wrap(err, "derive key material")
	}
	return material, nil
}

// activeKey returns the active key for the tuple, minting one lazily.
// The bool reports whether a new key was generated.
func (r *keyring) activeKey(classification Classification, algorithm Algorithm, tenant string, rotationInterval time.Duration) (*Key, bool, error) {
	tuple := tupleKey(classification, algorithm, tenant)

	r.mu.RLock()
	k, ok := r.active[tuple]
	r.mu.RUnlock()
	if ok {
		return k, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.active[tuple]; ok {
		return k, false, nil
	}
	k, err := r.mintLocked(classification, algorithm, tenant, rotationInterval)
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// mintLocked creates and activates a key. Caller holds the write lock.
func (r *keyring) mintLocked(classification Classification, algorithm Algorithm, tenant string, rotationInterval time.Duration) (*Key, error) {
	id := uuid.NewString()
	material, err := r.deriveMaterial(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	k := &Key{
		ID:               id,
		Classification:   classification,
		Algorithm:        algorithm,
		Tenant:           tenant,
		Status:           KeyStatusActive,
		CreatedAt:        now,
		NextRotation:     now.Add(rotationInterval),
		RotationInterval: rotationInterval,
		material:         material,
	}
	r.keys[id] = k
	r.active[tupleKey(classification, algorithm, tenant)] = k
	return k, nil
}

// byID resolves any key, regardless of status.
func (r *keyring) byID(id string) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// revoke marks a key revoked. A revoked active key leaves its tuple slot
// empty so the next encrypt mints a fresh one.
func (r *keyring) revoke(id string) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, errors.NewNotFoundError("encryption key")
	}
	if k.Status == KeyStatusRevoked {
		return k, nil
	}
	if r.active[tupleKey(k.Classification, k.Algorithm, k.Tenant)] == k {
		delete(r.active, tupleKey(k.Classification, k.Algorithm, k.Tenant))
	}
	k.Status = KeyStatusRevoked
	return k, nil
}

// rotateExpired deprecates active keys past their rotation horizon and mints
// replacements with the same tuple and interval. It returns the rotated keys.
func (r *keyring) rotateExpired(now time.Time) ([]*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rotated []*Key
	for tuple, k := range r.active {
		if now.Before(k.NextRotation) {
			continue
		}
		k.Status = KeyStatusDeprecated
		delete(r.active, tuple)
		replacement, err := r.mintLocked(k.Classification, k.Algorithm, k.Tenant, k.RotationInterval)
		if err != nil {
			return rotated, err
		}
		rotated = append(rotated, replacement)
	}
	return rotated, nil
}

// snapshot lists every key's metadata, for health reporting.
func (r *keyring) snapshot() []KeyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k.info())
	}
	return out
}
