package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deonneon/ohtani-harada/domain"
)

// Key layout. The envelope, its version, its timestamp and the compression
// flag live under separate keys; the backup copy mirrors the same set.
const (
	keyMatrix     = "harada:matrix"
	keyVersion    = "harada:matrix:version"
	keyLastSaved  = "harada:matrix:lastSaved"
	keyCompressed = "harada:matrix:compressed"

	keyBackup           = "harada:backup"
	keyBackupVersion    = "harada:backup:version"
	keyBackupLastSaved  = "harada:backup:lastSaved"
	keyBackupCompressed = "harada:backup:compressed"
)

const (
	// DefaultMaxBytes caps the serialized envelope, mirroring the budget a
	// browser's local storage would give a single origin.
	DefaultMaxBytes = 2 << 20
	// DefaultCompressThreshold is the payload size above which compression
	// is attempted.
	DefaultCompressThreshold = 8 << 10
)

// Compressed payloads are kept only when at least 10% smaller than the raw
// envelope; marginal wins are not worth the decode step on every load.
const compressKeepRatio = 0.9

// Config tunes a Store. Zero values select the defaults.
type Config struct {
	MaxBytes          int
	CompressThreshold int
	Codec             Codec
	Migrations        *Registry
}

// Store persists matrix envelopes through a KV port.
type Store struct {
	kv     KV
	cfg    Config
	logger *log.Logger
}

// New creates a Store over the given KV backend.
func New(kv KV, cfg Config, logger *log.Logger) *Store {
	if kv == nil {
		panic("storage.New: kv backend is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.Codec == nil {
		cfg.Codec = GzipCodec{}
	}
	if cfg.Migrations == nil {
		cfg.Migrations = DefaultRegistry()
	}
	return &Store{kv: kv, cfg: cfg, logger: logger}
}

// MaxBytes returns the configured envelope size ceiling.
func (s *Store) MaxBytes() int { return s.cfg.MaxBytes }

// SaveMatrix serializes the matrix into a fresh envelope and persists it.
// Payloads over the byte ceiling are rejected before any key is written.
func (s *Store) SaveMatrix(ctx context.Context, data domain.MatrixData) error {
	savedAt := time.Now().UTC()
	raw, err := encodeEnvelope(data, savedAt)
	if err != nil {
		return &OpError{Op: "save", Err: err}
	}
	if len(raw) > s.cfg.MaxBytes {
		return &QuotaExceededError{Size: len(raw), Limit: s.cfg.MaxBytes}
	}

	payload := string(raw)
	compressed := false
	if len(raw) >= s.cfg.CompressThreshold {
		if enc, encErr := s.cfg.Codec.Encode(raw); encErr == nil {
			b64 := base64.StdEncoding.EncodeToString(enc)
			if float64(len(b64)) <= float64(len(raw))*compressKeepRatio {
				payload = b64
				compressed = true
			}
		} else {
			s.logger.WithError(encErr).Warn("envelope compression failed; storing uncompressed")
		}
	}

	if err := s.setKeys(ctx, map[string]string{
		keyMatrix:     payload,
		keyVersion:    CurrentSchemaVersion.String(),
		keyLastSaved:  savedAt.Format(time.RFC3339Nano),
		keyCompressed: boolFlag(compressed),
	}); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{
		"bytes":      len(payload),
		"raw_bytes":  len(raw),
		"compressed": compressed,
		"version":    CurrentSchemaVersion.String(),
	}).Debug("matrix saved")
	return nil
}

func (s *Store) setKeys(ctx context.Context, kvs map[string]string) error {
	// Payload first so metadata keys never describe a missing envelope.
	order := []string{keyMatrix, keyBackup, keyVersion, keyBackupVersion,
		keyLastSaved, keyBackupLastSaved, keyCompressed, keyBackupCompressed}
	for _, key := range order {
		val, ok := kvs[key]
		if !ok {
			continue
		}
		if err := s.kv.Set(ctx, key, val); err != nil {
			if errors.Is(err, ErrStoreFull) {
				return &QuotaExceededError{Size: len(val), Limit: s.cfg.MaxBytes, Err: err}
			}
			return &OpError{Op: "save", Err: err}
		}
	}
	return nil
}

// LoadMatrix reads, migrates and reconstructs the stored matrix. An empty
// store returns (nil, nil): a first run, not an error.
func (s *Store) LoadMatrix(ctx context.Context) (*domain.MatrixData, error) {
	raw, found, err := s.readEnvelope(ctx, keyMatrix, keyCompressed)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	m, err := s.decodeAndMigrate(raw)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) readEnvelope(ctx context.Context, dataKey, flagKey string) ([]byte, bool, error) {
	payload, err := s.kv.Get(ctx, dataKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, &OpError{Op: "load", Err: err}
	}

	flag, err := s.kv.Get(ctx, flagKey)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, false, &OpError{Op: "load", Err: err}
	}
	if flag != "1" {
		return []byte(payload), true, nil
	}

	enc, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false, &CorruptionError{Reason: "compressed payload is not valid base64", Err: err}
	}
	raw, err := s.cfg.Codec.Decode(enc)
	if err != nil {
		return nil, false, &CorruptionError{Reason: "compressed payload cannot be decoded", Err: err}
	}
	return raw, true, nil
}

func (s *Store) decodeAndMigrate(raw []byte) (*domain.MatrixData, error) {
	env, version, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	data, err := asObject(env["data"], "data")
	if err != nil {
		return nil, err
	}

	if version.Compare(s.cfg.Migrations.Current()) != 0 {
		migrated, result, err := s.cfg.Migrations.Migrate(data, version)
		if err != nil {
			return nil, fmt.Errorf("migrating stored data: %w", err)
		}
		s.logger.WithFields(log.Fields{
			"from":    result.FromVersion,
			"to":      result.ToVersion,
			"applied": result.Applied,
		}).Info("stored matrix migrated")
		data = migrated
	}

	if err := requireMatrixShape(data); err != nil {
		return nil, err
	}
	m, err := reconstructMatrix(data)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ClearMatrix removes the primary envelope and its metadata keys. The
// backup copy is left alone.
func (s *Store) ClearMatrix(ctx context.Context) error {
	if err := s.kv.Del(ctx, keyMatrix, keyVersion, keyLastSaved, keyCompressed); err != nil {
		return &OpError{Op: "clear", Err: err}
	}
	return nil
}

// HasMatrix reports whether a primary envelope is stored.
func (s *Store) HasMatrix(ctx context.Context) (bool, error) {
	ok, err := s.kv.Exists(ctx, keyMatrix)
	if err != nil {
		return false, &OpError{Op: "probe", Err: err}
	}
	return ok, nil
}

// Metadata describes a stored envelope without deserializing it.
type Metadata struct {
	Version    string    `json:"version"`
	LastSaved  time.Time `json:"lastSaved"`
	SizeBytes  int       `json:"sizeBytes"`
	Compressed bool      `json:"compressed"`
}

// Metadata returns the primary envelope's metadata, or nil when the store
// is empty.
func (s *Store) Metadata(ctx context.Context) (*Metadata, error) {
	return s.metadata(ctx, keyMatrix, keyVersion, keyLastSaved, keyCompressed)
}

func (s *Store) metadata(ctx context.Context, dataKey, versionKey, savedKey, flagKey string) (*Metadata, error) {
	payload, err := s.kv.Get(ctx, dataKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, &OpError{Op: "metadata", Err: err}
	}
	meta := &Metadata{SizeBytes: len(payload)}
	if v, err := s.kv.Get(ctx, versionKey); err == nil {
		meta.Version = v
	}
	if saved, err := s.kv.Get(ctx, savedKey); err == nil {
		if t, parseErr := time.Parse(time.RFC3339Nano, saved); parseErr == nil {
			meta.LastSaved = t
		}
	}
	if flag, err := s.kv.Get(ctx, flagKey); err == nil {
		meta.Compressed = flag == "1"
	}
	return meta, nil
}

// Usage estimates how much of the byte budget the stored keys consume.
type Usage struct {
	UsedBytes  int     `json:"usedBytes"`
	LimitBytes int     `json:"limitBytes"`
	Percent    float64 `json:"percent"`
}

// Usage sums the sizes of every key this store owns, backup included.
func (s *Store) Usage(ctx context.Context) (*Usage, error) {
	keys := []string{keyMatrix, keyVersion, keyLastSaved, keyCompressed,
		keyBackup, keyBackupVersion, keyBackupLastSaved, keyBackupCompressed}
	used := 0
	for _, key := range keys {
		val, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, &OpError{Op: "usage", Err: err}
		}
		used += len(key) + len(val)
	}
	return &Usage{
		UsedBytes:  used,
		LimitBytes: s.cfg.MaxBytes,
		Percent:    float64(used) / float64(s.cfg.MaxBytes) * 100,
	}, nil
}

// CreateBackup copies the primary envelope to the backup key set. It is
// best-effort: failures are logged and reported as false, never raised.
func (s *Store) CreateBackup(ctx context.Context) bool {
	src := map[string]string{
		keyMatrix:     keyBackup,
		keyVersion:    keyBackupVersion,
		keyLastSaved:  keyBackupLastSaved,
		keyCompressed: keyBackupCompressed,
	}
	payload, err := s.kv.Get(ctx, keyMatrix)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.logger.WithError(err).Warn("backup skipped: cannot read primary envelope")
		}
		return false
	}
	if err := s.kv.Set(ctx, keyBackup, payload); err != nil {
		s.logger.WithError(err).Warn("backup failed")
		return false
	}
	for from, to := range src {
		if from == keyMatrix {
			continue
		}
		val, err := s.kv.Get(ctx, from)
		if err != nil {
			continue
		}
		if err := s.kv.Set(ctx, to, val); err != nil {
			s.logger.WithError(err).Warn("backup metadata write failed")
		}
	}
	s.logger.Debug("backup created")
	return true
}

// RestoreFromBackup loads the backup envelope. It returns nil when no
// backup exists or the backup itself cannot be decoded; it is a fallback of
// last resort and never raises.
func (s *Store) RestoreFromBackup(ctx context.Context) *domain.MatrixData {
	raw, found, err := s.readEnvelope(ctx, keyBackup, keyBackupCompressed)
	if err != nil || !found {
		if err != nil {
			s.logger.WithError(err).Warn("backup restore failed")
		}
		return nil
	}
	m, err := s.decodeAndMigrate(raw)
	if err != nil {
		s.logger.WithError(err).Warn("backup restore failed")
		return nil
	}
	return m
}

// BackupMetadata returns the backup envelope's metadata, or nil when there
// is no backup.
func (s *Store) BackupMetadata(ctx context.Context) (*Metadata, error) {
	return s.metadata(ctx, keyBackup, keyBackupVersion, keyBackupLastSaved, keyBackupCompressed)
}

// ClearBackup removes the backup key set.
func (s *Store) ClearBackup(ctx context.Context) error {
	if err := s.kv.Del(ctx, keyBackup, keyBackupVersion, keyBackupLastSaved, keyBackupCompressed); err != nil {
		return &OpError{Op: "clear backup", Err: err}
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
