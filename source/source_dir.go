package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir produces a create item for every JSON document of a cvelist checkout
// laid out as <root>/<year>/<bucket>/<file>.json. The payload is the file path.
//
// Directories are read lazily one level at a time, so a consumer that stops
// early never lists the rest of the tree.
func Dir(root string) Producer[string] {
	return func(yield func(WorkItem[string], error) bool) {
		years, err := os.ReadDir(root)
		if err != nil {
			yield(WorkItem[string]{}, fmt.Errorf("read source dir: %w", err))
			return
		}

		for _, year := range years {
			if !year.IsDir() {
				continue
			}
			yearPath := filepath.Join(root, year.Name())
			buckets, err := os.ReadDir(yearPath)
			if err != nil {
				yield(WorkItem[string]{}, fmt.Errorf("read year dir: %w", err))
				return
			}

			for _, bucket := range buckets {
				if !bucket.IsDir() {
					continue
				}
				bucketPath := filepath.Join(yearPath, bucket.Name())
				files, err := os.ReadDir(bucketPath)
				if err != nil {
					yield(WorkItem[string]{}, fmt.Errorf("read bucket dir: %w", err))
					return
				}

				for _, f := range files {
					if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
						continue
					}
					p := filepath.Join(bucketPath, f.Name())
					if !yield(WorkItem[string]{Channel: Create, ID: p, Payload: p}, nil) {
						return
					}
				}
			}
		}
	}
}
