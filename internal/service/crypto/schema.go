package crypto

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// FieldSchema declares how one field of a table is protected.
type FieldSchema struct {
	Classification   Classification `json:"classification"`
	Algorithm        Algorithm      `json:"algorithm"`
	Required         bool           `json:"required"`
	Searchable       bool           `json:"searchable"`
	RotationInterval time.Duration  `json:"rotation_interval"`
}

// TableSchema maps field names to their protection rules. Fields not listed
// pass through record operations untouched.
type TableSchema map[string]FieldSchema

type schemaRegistry struct {
	mu     sync.RWMutex
	tables map[string]TableSchema
}

// defaultSchemas covers the portal's PII-bearing tables.
func defaultSchemas() *schemaRegistry {
	pii := func(required bool) FieldSchema {
		return FieldSchema{
			Classification:   ClassificationPII,
			Algorithm:        AlgorithmAES256GCM,
			Required:         required,
			RotationInterval: 90 * 24 * time.Hour,
		}
	}
	return &schemaRegistry{
		tables: map[string]TableSchema{
			"students": {
				"email":          pii(true),
				"phone":          pii(false),
				"guardian_email": pii(false),
				"guardian_phone": pii(false),
			},
			"contact_messages": {
				"email":   pii(true),
				"phone":   pii(false),
				"message": {Classification: ClassificationConfidential, Algorithm: AlgorithmAES256GCM, RotationInterval: 90 * 24 * time.Hour},
			},
			"enrollments": {
				"student_email":  pii(true),
				"parent_contact": pii(false),
				"notes":          {Classification: ClassificationConfidential, Algorithm: AlgorithmAES256GCM, RotationInterval: 90 * 24 * time.Hour},
			},
		},
	}
}

func (r *schemaRegistry) get(table string) (TableSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tables[table]
	return s, ok
}

func (r *schemaRegistry) set(table string, schema TableSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = schema
}

// RegisterSchema declares or replaces the field schema for a table.
func (s *Service) RegisterSchema(table string, schema TableSchema) {
	s.schemas.set(table, schema)
}

// EncryptRecord walks the table's declared fields and replaces each present
// string value with its serialized envelope. Undeclared fields pass through.
// A declared required field that is absent or empty is an error.
func (s *Service) EncryptRecord(ctx context.Context, table string, record map[string]interface{}, opts Options) (map[string]interface{}, error) {
	schema, ok := s.schemas.get(table)
	if !ok {
		return nil, errors.NewNotFoundError("field schema for table " + table)
	}

	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = v
	}

	for field, fs := range schema {
		raw, present := record[field]
		value, isString := raw.(string)
		if !present || !isString || value == "" {
			if fs.Required {
				return nil, errors.NewValidationError("MISSING_REQUIRED_FIELD",
					"required field "+field+" is missing or empty")
			}
			continue
		}

		fieldOpts := opts
		if fs.Algorithm != "" {
			fieldOpts.Algorithm = fs.Algorithm
		}
		env, err := s.Encrypt(ctx, value, fs.Classification, fieldOpts)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt field "+field)
		}
		serialized, err := json.Marshal(env)
		if err != nil {
			return nil, errors.Wrap(err, "serialize envelope for field "+field)
		}
		out[field] = string(serialized)
	}
	return out, nil
}

// DecryptRecord reverses EncryptRecord. A field whose envelope fails to
// parse or decrypt is logged and left in its stored form; the rest of the
// record still comes back decrypted.
func (s *Service) DecryptRecord(ctx context.Context, table string, record map[string]interface{}, userID string) (map[string]interface{}, error) {
	schema, ok := s.schemas.get(table)
	if !ok {
		return nil, errors.NewNotFoundError("field schema for table " + table)
	}

	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = v
	}

	for field := range schema {
		raw, present := record[field]
		stored, isString := raw.(string)
		if !present || !isString || stored == "" {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(stored), &env); err != nil || env.KeyID == "" {
			s.logger.Warn("field is not a valid envelope, leaving as stored",
				zap.String("table", table),
				zap.String("field", field))
			continue
		}
		plaintext, err := s.Decrypt(ctx, &env, userID)
		if err != nil {
			s.logger.Warn("field decryption failed, leaving encrypted",
				zap.String("table", table),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		out[field] = plaintext
	}
	return out, nil
}
