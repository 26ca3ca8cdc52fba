// Package proofarchive keeps a durable record of every confirmed relay: the
// proof, its public input, and the destination transaction that consumed it.
// The archive is an audit trail; losing it never blocks the pipeline.
package proofarchive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	recordContentType    = "application/json"
	defaultMaxRecordSize = 16 << 20
	recordVersion        = "relay.archive.v1"
)

var (
	ErrInvalidConfig = errors.New("proofarchive: invalid config")
	ErrInvalidRecord = errors.New("proofarchive: invalid record")
	ErrNotFound      = errors.New("proofarchive: not found")
	ErrTooLarge      = errors.New("proofarchive: record too large")
)

// Record is one archived relay.
type Record struct {
	JobID       [32]byte
	Proof       []byte
	PublicInput []byte
	DestTxID    [32]byte
	ConfirmedAt time.Time
}

// Archive persists relay records keyed by job ID.
type Archive interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, jobID [32]byte) (Record, error)
	Exists(ctx context.Context, jobID [32]byte) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxRecordSize bounds bytes read back by Get. Defaults to 16 MiB
	// when <= 0.
	MaxRecordSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func recordKey(jobID [32]byte) string {
	return "proofs/" + hex.EncodeToString(jobID[:]) + ".json"
}

type recordEnvelope struct {
	Version     string `json:"version"`
	JobID       string `json:"job_id"`
	Proof       string `json:"proof"`
	PublicInput string `json:"public_input"`
	DestTxID    string `json:"dest_tx_id"`
	ConfirmedAt string `json:"confirmed_at"`
}

func encodeRecord(rec Record) ([]byte, error) {
	if rec.JobID == ([32]byte{}) {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidRecord)
	}
	if len(rec.Proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidRecord)
	}
	return json.Marshal(recordEnvelope{
		Version:     recordVersion,
		JobID:       "0x" + hex.EncodeToString(rec.JobID[:]),
		Proof:       "0x" + hex.EncodeToString(rec.Proof),
		PublicInput: "0x" + hex.EncodeToString(rec.PublicInput),
		DestTxID:    "0x" + hex.EncodeToString(rec.DestTxID[:]),
		ConfirmedAt: rec.ConfirmedAt.UTC().Format(time.RFC3339),
	})
}

func decodeRecord(data []byte) (Record, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if env.Version != recordVersion {
		return Record{}, fmt.Errorf("%w: unknown version %q", ErrInvalidRecord, env.Version)
	}
	var rec Record
	jobID, err := decodeHash(env.JobID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: job id: %v", ErrInvalidRecord, err)
	}
	rec.JobID = jobID
	if rec.Proof, err = decodeHexField(env.Proof); err != nil {
		return Record{}, fmt.Errorf("%w: proof: %v", ErrInvalidRecord, err)
	}
	if rec.PublicInput, err = decodeHexField(env.PublicInput); err != nil {
		return Record{}, fmt.Errorf("%w: public input: %v", ErrInvalidRecord, err)
	}
	destTx, err := decodeHash(env.DestTxID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: dest tx id: %v", ErrInvalidRecord, err)
	}
	rec.DestTxID = destTx
	if env.ConfirmedAt != "" {
		if rec.ConfirmedAt, err = time.Parse(time.RFC3339, env.ConfirmedAt); err != nil {
			return Record{}, fmt.Errorf("%w: confirmed at: %v", ErrInvalidRecord, err)
		}
	}
	return rec, nil
}

func decodeHexField(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, nil
	}
	return hex.DecodeString(trimmed)
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHexField(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

type memoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newMemoryArchive() Archive {
	return &memoryArchive{objects: make(map[string][]byte)}
}

func (m *memoryArchive) Put(_ context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[recordKey(rec.JobID)] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Get(_ context.Context, jobID [32]byte) (Record, error) {
	m.mu.RLock()
	data, ok := m.objects[recordKey(jobID)]
	m.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %x", ErrNotFound, jobID)
	}
	return decodeRecord(data)
}

func (m *memoryArchive) Exists(_ context.Context, jobID [32]byte) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[recordKey(jobID)]
	m.mu.RUnlock()
	return ok, nil
}

type s3Archive struct {
	client        S3Client
	bucket        string
	prefix        string
	maxRecordSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxSize := cfg.MaxRecordSize
	if maxSize <= 0 {
		maxSize = defaultMaxRecordSize
	}
	return &s3Archive{
		client:        cfg.S3Client,
		bucket:        bucket,
		prefix:        strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxRecordSize: maxSize,
	}, nil
}

func (s *s3Archive) fullKey(jobID [32]byte) string {
	key := recordKey(jobID)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *s3Archive) Put(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(rec.JobID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(recordContentType),
	})
	if err != nil {
		return fmt.Errorf("proofarchive/s3: put %x: %w", rec.JobID, err)
	}
	return nil
}

func (s *s3Archive) Get(ctx context.Context, jobID [32]byte) (Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(jobID)),
	})
	if err != nil {
		if isNotFound(err) {
			return Record{}, fmt.Errorf("%w: %x", ErrNotFound, jobID)
		}
		return Record{}, fmt.Errorf("proofarchive/s3: get %x: %w", jobID, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxRecordSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Record{}, fmt.Errorf("proofarchive/s3: read %x: %w", jobID, err)
	}
	if int64(len(data)) > s.maxRecordSize {
		return Record{}, fmt.Errorf("%w: %x exceeds max %d bytes", ErrTooLarge, jobID, s.maxRecordSize)
	}
	return decodeRecord(data)
}

func (s *s3Archive) Exists(ctx context.Context, jobID [32]byte) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(jobID)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("proofarchive/s3: head %x: %w", jobID, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
