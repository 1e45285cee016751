package encoder

import (
	"context"
)

// Encoder converts a batch of typed records into one binary payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) (data []byte, err error)
	FileExtension() string
	ContentType() string
}
