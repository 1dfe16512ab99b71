package crypto

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testMasterSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{MasterSecret: testMasterSecret}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService(Config{MasterSecret: []byte("short")}, zaptest.NewLogger(t), nil)
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "parent@example.com", ClassificationPII, Options{Tenant: "main"})
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, AlgorithmAES256GCM, env.Algorithm)
	assert.NotEmpty(t, env.KeyID)
	assert.Equal(t, ClassificationPII, env.Metadata.Classification)

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	require.NoError(t, err)
	assert.Len(t, iv, 12)

	plaintext, err := svc.Decrypt(ctx, env, "")
	require.NoError(t, err)
	assert.Equal(t, "parent@example.com", plaintext)
}

func TestEnvelopeNeverContainsPlaintext(t *testing.T) {
	svc := newTestService(t)

	env, err := svc.Encrypt(context.Background(), "secret-value", ClassificationConfidential, Options{})
	require.NoError(t, err)
	assert.NotContains(t, env.Ciphertext, "secret-value")
	assert.NotEqual(t, "secret-value", env.Ciphertext)
}

func TestIVUniquePerCall(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Encrypt(ctx, "same", ClassificationPII, Options{})
	require.NoError(t, err)
	b, err := svc.Encrypt(ctx, "same", ClassificationPII, Options{})
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.Equal(t, a.KeyID, b.KeyID, "same tuple reuses the active key")
}

func TestTuplesGetDistinctKeys(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Encrypt(ctx, "x", ClassificationPII, Options{})
	require.NoError(t, err)
	b, err := svc.Encrypt(ctx, "x", ClassificationConfidential, Options{})
	require.NoError(t, err)
	c, err := svc.Encrypt(ctx, "x", ClassificationPII, Options{Tenant: "other"})
	require.NoError(t, err)

	assert.NotEqual(t, a.KeyID, b.KeyID)
	assert.NotEqual(t, a.KeyID, c.KeyID)
}

func TestTamperedTagFailsDecryption(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "hello", ClassificationPII, Options{})
	require.NoError(t, err)

	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	require.NoError(t, err)
	tag[0] ^= 0xff
	env.Tag = base64.StdEncoding.EncodeToString(tag)

	_, err = svc.Decrypt(ctx, env, "")
	require.Error(t, err)
}

func TestKeyIDBoundAsAAD(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "hello", ClassificationPII, Options{})
	require.NoError(t, err)

	// Point the envelope at a different key; the key id AAD binding must
	// make decryption fail.
	other, err := svc.Encrypt(ctx, "x", ClassificationConfidential, Options{})
	require.NoError(t, err)
	env.KeyID = other.KeyID

	_, err = svc.Decrypt(ctx, env, "")
	require.Error(t, err)
}

func TestRevokedKeyBlocksDecryption(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "hello", ClassificationPII, Options{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, env.KeyID, "admin-1"))

	_, err = svc.Decrypt(ctx, env, "")
	require.Error(t, err)

	// The revoked key's tuple slot is vacated, so new encrypts mint fresh.
	fresh, err := svc.Encrypt(ctx, "hello", ClassificationPII, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, env.KeyID, fresh.KeyID)
}

func TestRotationContinuity(t *testing.T) {
	svc, err := NewService(Config{
		MasterSecret:            testMasterSecret,
		DefaultRotationInterval: time.Millisecond,
	}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "old-data", ClassificationPII, Options{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	rotated, err := svc.RotateExpiredKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rotated)

	// Old envelope still decrypts under the deprecated key.
	plaintext, err := svc.Decrypt(ctx, env, "")
	require.NoError(t, err)
	assert.Equal(t, "old-data", plaintext)

	// New encrypts use the replacement key.
	fresh, err := svc.Encrypt(ctx, "new-data", ClassificationPII, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, env.KeyID, fresh.KeyID)

	var statuses []KeyStatus
	for _, info := range svc.Keys() {
		statuses = append(statuses, info.Status)
	}
	assert.ElementsMatch(t, []KeyStatus{KeyStatusDeprecated, KeyStatusActive}, statuses)
}

func TestUnsupportedAlgorithmRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Encrypt(context.Background(), "x", ClassificationPII, Options{Algorithm: "rot13"})
	require.Error(t, err)
}

func TestEncryptRecordWalksDeclaredFields(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	record := map[string]interface{}{
		"name":  "Ada Student",
		"email": "ada@example.com",
		"phone": "+1 555 0100",
		"grade": 7,
	}
	stored, err := svc.EncryptRecord(ctx, "students", record, Options{})
	require.NoError(t, err)

	assert.Equal(t, "Ada Student", stored["name"], "undeclared field passes through")
	assert.Equal(t, 7, stored["grade"])
	assert.NotEqual(t, "ada@example.com", stored["email"])
	assert.NotEqual(t, "+1 555 0100", stored["phone"])

	decrypted, err := svc.DecryptRecord(ctx, "students", stored, "")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", decrypted["email"])
	assert.Equal(t, "+1 555 0100", decrypted["phone"])
	assert.Equal(t, "Ada Student", decrypted["name"])
}

func TestEncryptRecordRequiredFieldMissing(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.EncryptRecord(context.Background(), "students",
		map[string]interface{}{"name": "No Email"}, Options{})
	require.Error(t, err)
}

func TestEncryptRecordUnknownTable(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.EncryptRecord(context.Background(), "nonexistent",
		map[string]interface{}{}, Options{})
	require.Error(t, err)
}

func TestDecryptRecordToleratesBadField(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, err := svc.EncryptRecord(ctx, "students",
		map[string]interface{}{"email": "a@example.com", "phone": "+1 555 0101"}, Options{})
	require.NoError(t, err)

	stored["phone"] = "not-an-envelope"

	decrypted, err := svc.DecryptRecord(ctx, "students", stored, "")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", decrypted["email"])
	assert.Equal(t, "not-an-envelope", decrypted["phone"], "bad field left as stored")
}

func TestRegisterSchemaOverrides(t *testing.T) {
	svc := newTestService(t)
	svc.RegisterSchema("tutors", TableSchema{
		"email": {Classification: ClassificationPII, Algorithm: AlgorithmAES256GCM, Required: true},
	})

	stored, err := svc.EncryptRecord(context.Background(), "tutors",
		map[string]interface{}{"email": "t@example.com"}, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, "t@example.com", stored["email"])
}
