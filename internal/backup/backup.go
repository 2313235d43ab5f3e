// Package backup exports, imports and clears every persisted page
// collection, and reports storage usage.
package backup

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"markd/internal/highlight"
	"markd/internal/kv"
	"markd/internal/logging"
)

const schemaURL = "https://markd.local/schema/backup-v1.schema.json"

//go:embed schema/backup-v1.schema.json
var schemaJSON []byte

// ErrInvalidBackup wraps every reason an import is rejected.
var ErrInvalidBackup = errors.New("backup: invalid data")

// Data maps page keys to their records.
type Data map[string][]highlight.Record

// Usage is the storage usage report.
type Usage struct {
	Used    int64   `json:"used" msgpack:"used"`
	Quota   int64   `json:"quota" msgpack:"quota"`
	Percent float64 `json:"percent" msgpack:"percent"`
}

// Level buckets usage the way the storage bar colors it.
func (u Usage) Level() string {
	switch {
	case u.Percent > 90:
		return "critical"
	case u.Percent > 70:
		return "warning"
	default:
		return "ok"
	}
}

// Service operates on all keys with the markd prefix.
type Service struct {
	store  kv.Store
	codec  kv.Codec
	schema *jsonschema.Schema
	log    *logging.Logger
}

// New compiles the backup schema and returns a Service over store. Values
// in store are encoded with codec.
func New(store kv.Store, codec kv.Codec, log *logging.Logger) (*Service, error) {
	if codec == nil {
		codec = kv.JSON{}
	}
	if log == nil {
		log = logging.Nop()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:  store,
		codec:  codec,
		schema: schema,
		log:    log.WithComponent("backup"),
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// FileName is the suggested name of a backup taken at t.
func FileName(t time.Time) string {
	return "markd-backup-" + t.UTC().Format("2006-01-02") + ".json"
}

// Export reads every page collection.
func (s *Service) Export(ctx context.Context) (Data, error) {
	keys, err := s.store.Keys(ctx, kv.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make(Data, len(keys))
	for _, key := range keys {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var recs []highlight.Record
		if err := s.codec.Unmarshal(raw, &recs); err != nil {
			s.log.Warn("skipping undecodable entry", "key", key, "error", err)
			continue
		}
		out[key] = recs
	}
	return out, nil
}

// WriteJSON writes the export as indented JSON.
func (s *Service) WriteJSON(ctx context.Context, w io.Writer) (int, error) {
	data, err := s.Export(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return 0, fmt.Errorf("encode backup: %w", err)
	}
	return len(data), nil
}

// Validate checks raw JSON against the backup schema.
func (s *Service) Validate(raw []byte) (Data, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if err := s.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return data, nil
}

// Import validates raw and writes each collection, replacing existing
// entries with the same key. It returns the keys written, sorted. Nothing
// is written when validation fails.
func (s *Service) Import(ctx context.Context, raw []byte) ([]string, error) {
	data, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for i, key := range keys {
		value, err := s.codec.Marshal(data[key])
		if err != nil {
			return keys[:i], fmt.Errorf("encode %s: %w", key, err)
		}
		if err := s.store.Set(ctx, key, value); err != nil {
			return keys[:i], fmt.Errorf("set %s: %w", key, err)
		}
	}
	s.log.Info("backup imported", "pages", len(keys))
	return keys, nil
}

// ClearAll deletes every markd key and returns how many were removed.
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, kv.Prefix)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	s.log.Info("all data cleared", "pages", len(keys))
	return len(keys), nil
}

// StorageInfo reports usage against the quota. An unknown quota reports
// zero percent.
func (s *Service) StorageInfo(ctx context.Context) (Usage, error) {
	used, quota, err := s.store.BytesInUse(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("bytes in use: %w", err)
	}
	u := Usage{Used: used, Quota: quota}
	if quota > 0 {
		u.Percent = float64(used) / float64(quota) * 100
	}
	return u, nil
}
