package encoder

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSON writes a batch as one JSON array, the body shape bulk HTTP endpoints expect.
type JSON[T any] struct{}

func (JSON[T]) FileExtension() string { return ".json" }

func (JSON[T]) ContentType() string { return "application/json" }

func (JSON[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal json batch: %w", err)
	}
	return data, nil
}
