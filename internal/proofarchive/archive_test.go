package proofarchive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg: Config{
				Driver: DriverMemory,
			},
		},
		{
			name: "unsupported driver",
			cfg: Config{
				Driver: "gcs",
			},
			wantErr: true,
		},
		{
			name: "s3 missing bucket",
			cfg: Config{
				Driver:   DriverS3,
				S3Client: &fakeS3Client{},
			},
			wantErr: true,
		},
		{
			name: "s3 missing client",
			cfg: Config{
				Driver: DriverS3,
				Bucket: "relay-proofs",
			},
			wantErr: true,
		},
		{
			name: "default driver is s3",
			cfg: Config{
				Bucket:   "relay-proofs",
				S3Client: &fakeS3Client{},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			archive, err := New(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if archive == nil {
				t.Fatalf("New returned nil archive")
			}
		})
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	archive, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var jobID [32]byte
	jobID[0] = 0xaa
	var destTx [32]byte
	destTx[31] = 0x01

	rec := Record{
		JobID:       jobID,
		Proof:       []byte{0x01, 0x02, 0x03},
		PublicInput: []byte{0x04, 0x05},
		DestTxID:    destTx,
		ConfirmedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	if err := archive.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := archive.Exists(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false after Put")
	}

	got, err := archive.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.JobID != rec.JobID {
		t.Fatalf("job id mismatch: got %x want %x", got.JobID, rec.JobID)
	}
	if !bytes.Equal(got.Proof, rec.Proof) {
		t.Fatalf("proof mismatch: got %x want %x", got.Proof, rec.Proof)
	}
	if !bytes.Equal(got.PublicInput, rec.PublicInput) {
		t.Fatalf("public input mismatch: got %x want %x", got.PublicInput, rec.PublicInput)
	}
	if got.DestTxID != rec.DestTxID {
		t.Fatalf("dest tx mismatch: got %x want %x", got.DestTxID, rec.DestTxID)
	}
	if !got.ConfirmedAt.Equal(rec.ConfirmedAt) {
		t.Fatalf("confirmed at mismatch: got %v want %v", got.ConfirmedAt, rec.ConfirmedAt)
	}

	var missing [32]byte
	missing[0] = 0xbb
	if _, err := archive.Get(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err = archive.Exists(context.Background(), missing)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing record")
	}
}

func TestArchiveRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	archive, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var jobID [32]byte
	jobID[0] = 0x01

	tests := []struct {
		name string
		rec  Record
	}{
		{
			name: "missing job id",
			rec:  Record{Proof: []byte{0x01}},
		},
		{
			name: "empty proof",
			rec:  Record{JobID: jobID},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := archive.Put(context.Background(), tc.rec); !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestDecodeRecordRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	_, err := decodeRecord([]byte(`{"version":"relay.archive.v2","job_id":"0x00"}`))
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestS3ArchivePutGetExists(t *testing.T) {
	t.Parallel()

	var jobID [32]byte
	jobID[0] = 0xfe
	wantKey := "relayer-1/proofs/fe00000000000000000000000000000000000000000000000000000000000000.json"

	var stored []byte
	client := &fakeS3Client{}
	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Bucket), "relay-proofs"; got != want {
			t.Fatalf("bucket mismatch: got %q want %q", got, want)
		}
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("key mismatch: got %q want %q", got, wantKey)
		}
		if got, want := aws.ToString(in.ContentType), "application/json"; got != want {
			t.Fatalf("content type mismatch: got %q want %q", got, want)
		}
		data, err := io.ReadAll(in.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		stored = data
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("get key mismatch: got %q want %q", got, wantKey)
		}
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(bytes.NewReader(stored)),
			ContentType: aws.String("application/json"),
		}, nil
	}
	client.headFn = func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		if got := aws.ToString(in.Key); got != wantKey {
			t.Fatalf("head key mismatch: got %q want %q", got, wantKey)
		}
		return &s3.HeadObjectOutput{}, nil
	}

	archive, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "relay-proofs",
		Prefix:   "relayer-1",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := Record{
		JobID:       jobID,
		Proof:       []byte("proofbytes"),
		PublicInput: []byte("inputs"),
		ConfirmedAt: time.Now(),
	}
	if err := archive.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := archive.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Proof, rec.Proof) {
		t.Fatalf("proof mismatch: got %q want %q", got.Proof, rec.Proof)
	}

	ok, err := archive.Exists(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for archived record")
	}
}

func TestS3ArchiveMapsNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}

	archive, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "relay-proofs",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var jobID [32]byte
	jobID[0] = 0x07
	if _, err := archive.Get(context.Background(), jobID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}

	ok, err := archive.Exists(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing record")
	}
}

func TestS3ArchiveMaxRecordSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 64))),
			}, nil
		},
	}

	archive, err := New(Config{
		Driver:        DriverS3,
		Bucket:        "relay-proofs",
		S3Client:      client,
		MaxRecordSize: 16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var jobID [32]byte
	jobID[0] = 0x09
	if _, err := archive.Get(context.Background(), jobID); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string {
	return f.code
}

func (f fakeAPIError) ErrorMessage() string {
	return f.msg
}

func (f fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

func (f fakeAPIError) Error() string {
	return f.code + ": " + f.msg
}
