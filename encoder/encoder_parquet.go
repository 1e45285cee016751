package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// Parquet compression codecs understood by Parquet.
const (
	CompressionNone   = ""
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
)

// Parquet writes a batch as a single parquet file. The schema is derived from
// the parquet struct tags of T.
type Parquet[T any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e Parquet[T]) FileExtension() string { return ".parquet" }

func (e Parquet[T]) ContentType() string { return "application/vnd.apache.parquet" }

// Validate reports an unsupported compression before the first batch is encoded.
func (e Parquet[T]) Validate() error {
	_, err := e.writerOptions()
	return err
}

func (e Parquet[T]) writerOptions() ([]parquet.WriterOption, error) {
	switch e.Compression {
	case CompressionNone:
		return nil, nil
	case CompressionSnappy:
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case CompressionGzip:
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case CompressionZstd:
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}
}

func (e Parquet[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options, err := e.writerOptions()
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer
	w := parquet.NewGenericWriter[T](&output, options...)

	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
