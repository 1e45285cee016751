package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baldanca/cve-ingestor/encoder"
)

// KeyFunc names the object a batch is written to.
type KeyFunc func(now time.Time, ext string) string

// DefaultKeyFunc partitions objects by channel and hour:
// <channel>/YYYY/MM/DD/HH/<unix-nanos>-<uuid><ext>.
func DefaultKeyFunc(channel string) KeyFunc {
	return func(now time.Time, ext string) string {
		now = now.UTC()
		return fmt.Sprintf("%s/%s/%d-%s%s", channel, now.Format("2006/01/02/15"), now.UnixNano(), uuid.NewString(), ext)
	}
}

// ObjectCommitter encodes each batch into one object and hands it to a Writer.
type ObjectCommitter[T any] struct {
	enc encoder.Encoder[T]
	w   Writer
	key KeyFunc
	now func() time.Time
}

func NewObjectCommitter[T any](enc encoder.Encoder[T], w Writer, key KeyFunc) (*ObjectCommitter[T], error) {
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}
	if w == nil {
		return nil, errors.New("writer is nil")
	}
	if key == nil {
		return nil, errors.New("keyFunc is nil")
	}
	return &ObjectCommitter[T]{enc: enc, w: w, key: key, now: time.Now}, nil
}

func (c *ObjectCommitter[T]) Commit(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}

	data, err := c.enc.Encode(ctx, batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	contentType := c.enc.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return c.w.Write(ctx, WriteRequest{
		Key:         c.key(c.now(), c.enc.FileExtension()),
		Data:        data,
		ContentType: contentType,
	})
}
