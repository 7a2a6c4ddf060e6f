package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestHash(t *testing.T) {
	a := Hash([]byte(`{"a":1}`))
	if a != Hash([]byte(`{"a":1}`)) {
		t.Error("hash is not deterministic")
	}
	if a == Hash([]byte(`{"a":2}`)) {
		t.Error("different content produced the same hash")
	}
}

func TestLocalStore_PutGet(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	data := []byte(`{"kind":"linear_regression"}`)

	h, err := s.Put(ctx, "model", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(h.URI, "file://") {
		t.Errorf("got uri %q, want file:// prefix", h.URI)
	}
	if h.Hash != Hash(data) {
		t.Errorf("got hash %q, want %q", h.Hash, Hash(data))
	}

	again, _ := s.Put(ctx, "model", data)
	if again != h {
		t.Errorf("identical content gave different handles: %+v vs %+v", again, h)
	}

	got, err := s.Get(ctx, h.URI)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir())
	_, err := s.Get(context.Background(), "file:///definitely/not/here.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "s3://bucket/key"); err == nil {
		t.Error("expected error for s3 uri on local store")
	}
}

// MockS3 records objects in memory.
type MockS3 struct {
	objects map[string][]byte
}

func (m *MockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Store_PutGet(t *testing.T) {
	mock := &MockS3{objects: map[string][]byte{}}
	s := newS3StoreWithClient(mock, "models", "/runs/")
	ctx := context.Background()
	data := []byte(`{"kind":"linear_regression"}`)

	h, err := s.Put(ctx, "model", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	want := "s3://models/runs/model-" + Hash(data) + ".json"
	if h.URI != want {
		t.Errorf("got uri %q, want %q", h.URI, want)
	}

	got, err := s.Get(ctx, h.URI)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}

	if _, err := s.Get(ctx, "s3://models/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://b/k.json", "b", "k.json", false},
		{"s3://b/a/b/k.json", "b", "a/b/k.json", false},
		{"s3://b", "", "", true},
		{"file:///x", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := parseS3URI(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseS3URI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("parseS3URI(%q) = %q, %q", tt.uri, bucket, key)
		}
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "gcs"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
