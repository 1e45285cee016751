package cve

import (
	"context"
	"fmt"
	"os"

	"github.com/baldanca/cve-ingestor/transformer"
)

// FileTransformer reads a CVE document from a path and extracts its Record.
func FileTransformer() transformer.Transformer[string, Record] {
	return transformer.Func[string, Record](func(_ context.Context, path string) (Record, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Record{}, fmt.Errorf("read %s: %w", path, err)
		}
		rec, err := Extract(data)
		if err != nil {
			return Record{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return rec, nil
	})
}

// DocumentTransformer extracts a Record from a document already held in memory.
func DocumentTransformer() transformer.Transformer[[]byte, Record] {
	return transformer.Func[[]byte, Record](func(_ context.Context, doc []byte) (Record, error) {
		return Extract(doc)
	})
}
