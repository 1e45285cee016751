package sink

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/baldanca/cve-ingestor/encoder"
)

type row struct {
	ID string `json:"id" parquet:"id"`
}

type memWriter struct {
	reqs []WriteRequest
	err  error
}

func (w *memWriter) Write(_ context.Context, req WriteRequest) error {
	if w.err != nil {
		return w.err
	}
	w.reqs = append(w.reqs, req)
	return nil
}

func TestDefaultKeyFunc(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 1, 2, 3, time.UTC)
	key := DefaultKeyFunc("update")(now, ".parquet")

	re := regexp.MustCompile(`^update/2024/03/09/07/\d+-[0-9a-f-]{36}\.parquet$`)
	if !re.MatchString(key) {
		t.Fatalf("key %q does not match %s", key, re)
	}
	if again := DefaultKeyFunc("update")(now, ".parquet"); again == key {
		t.Fatalf("keys should be unique, got %q twice", key)
	}
}

func TestObjectCommitter_WritesEncodedBatch(t *testing.T) {
	w := &memWriter{}
	c, err := NewObjectCommitter[row](encoder.JSON[row]{}, w, func(time.Time, string) string { return "k.json" })
	if err != nil {
		t.Fatalf("NewObjectCommitter: %v", err)
	}

	if err := c.Commit(context.Background(), []row{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// empty batch is a no-op
	if err := c.Commit(context.Background(), nil); err != nil {
		t.Fatalf("Commit empty: %v", err)
	}

	if len(w.reqs) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w.reqs))
	}
	req := w.reqs[0]
	if req.Key != "k.json" || req.ContentType != "application/json" {
		t.Fatalf("request: key=%q content-type=%q", req.Key, req.ContentType)
	}
	if got := strings.TrimSpace(string(req.Data)); got != `[{"id":"a"},{"id":"b"}]` {
		t.Fatalf("data: %s", got)
	}
}

func TestObjectCommitter_ParquetToS3(t *testing.T) {
	f := &fakeS3API{}
	s, err := NewS3(f, "bkt", "cves")
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}

	c, err := NewObjectCommitter[row](encoder.Parquet[row]{Compression: encoder.CompressionSnappy}, s, DefaultKeyFunc("create"))
	if err != nil {
		t.Fatalf("NewObjectCommitter: %v", err)
	}
	if err := c.Commit(context.Background(), []row{{ID: "CVE-1"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(f.keys) != 1 {
		t.Fatalf("expected 1 put, got %d", len(f.keys))
	}
	re := regexp.MustCompile(`^cves/create/\d{4}/\d{2}/\d{2}/\d{2}/.+\.parquet$`)
	if !re.MatchString(f.keys[0]) {
		t.Fatalf("key %q does not match %s", f.keys[0], re)
	}
	if len(f.lastBody) == 0 {
		t.Fatalf("empty body")
	}
}

func TestObjectCommitter_Errors(t *testing.T) {
	if _, err := NewObjectCommitter[row](nil, &memWriter{}, DefaultKeyFunc("x")); err == nil {
		t.Fatalf("expected error for nil encoder")
	}
	if _, err := NewObjectCommitter[row](encoder.JSON[row]{}, nil, DefaultKeyFunc("x")); err == nil {
		t.Fatalf("expected error for nil writer")
	}
	if _, err := NewObjectCommitter[row](encoder.JSON[row]{}, &memWriter{}, nil); err == nil {
		t.Fatalf("expected error for nil key func")
	}

	boom := errors.New("boom")
	c, err := NewObjectCommitter[row](encoder.JSON[row]{}, &memWriter{err: boom}, DefaultKeyFunc("x"))
	if err != nil {
		t.Fatalf("NewObjectCommitter: %v", err)
	}
	if err := c.Commit(context.Background(), []row{{ID: "a"}}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	c, err = NewObjectCommitter[row](encoder.Parquet[row]{Compression: "lz77"}, &memWriter{}, DefaultKeyFunc("x"))
	if err != nil {
		t.Fatalf("NewObjectCommitter: %v", err)
	}
	if err := c.Commit(context.Background(), []row{{ID: "a"}}); err == nil || !strings.Contains(err.Error(), "encode batch") {
		t.Fatalf("expected encode error, got %v", err)
	}
}

func TestCommitFunc(t *testing.T) {
	var got []row
	c := CommitFunc[row](func(_ context.Context, b []row) error {
		got = append(got, b...)
		return nil
	})
	if err := c.Commit(context.Background(), []row{{ID: "x"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !slices.Equal(got, []row{{ID: "x"}}) {
		t.Fatalf("got %v", got)
	}
}
