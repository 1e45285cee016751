package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/baldanca/cve-ingestor/cve"
)

// DeltaLogFile is the change log cvelist keeps at the root of its cves folder.
const DeltaLogFile = "deltaLog.json"

type deltaEntry struct {
	FetchTime string        `json:"fetchTime"`
	New       []deltaChange `json:"new"`
	Updated   []deltaChange `json:"updated"`
}

type deltaChange struct {
	CVEID      string `json:"cveId"`
	GithubLink string `json:"githubLink"`
}

// DeltaLog produces the documents changed since the given time, reading
// <root>/deltaLog.json one entry at a time. Entries are newest first; reading
// stops at the first entry fetched before since. New documents go to the create
// channel and updated ones to the update channel. Links that do not point into
// a cves folder are skipped.
func DeltaLog(root string, since time.Time) Producer[string] {
	return func(yield func(WorkItem[string], error) bool) {
		f, err := os.Open(filepath.Join(root, DeltaLogFile))
		if err != nil {
			yield(WorkItem[string]{}, fmt.Errorf("open delta log: %w", err))
			return
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		if err := expectDelim(dec, '['); err != nil {
			yield(WorkItem[string]{}, err)
			return
		}

		for dec.More() {
			var e deltaEntry
			if err := dec.Decode(&e); err != nil {
				yield(WorkItem[string]{}, fmt.Errorf("decode delta log entry: %w", err))
				return
			}

			if e.FetchTime != "" {
				fetched, err := cve.ParseDate(e.FetchTime)
				if err != nil {
					yield(WorkItem[string]{}, fmt.Errorf("delta log fetchTime: %w", err))
					return
				}
				if fetched.Before(since) {
					return
				}
			}

			if !yieldChanges(root, Create, e.New, yield) {
				return
			}
			if !yieldChanges(root, Update, e.Updated, yield) {
				return
			}
		}
	}
}

func yieldChanges(root string, ch Channel, changes []deltaChange, yield func(WorkItem[string], error) bool) bool {
	for _, c := range changes {
		rel, ok := relativeDocPath(c.GithubLink)
		if !ok {
			continue
		}
		p := filepath.Join(root, filepath.FromSlash(rel))
		if !yield(WorkItem[string]{Channel: ch, ID: p, Payload: p}, nil) {
			return false
		}
	}
	return true
}

func relativeDocPath(link string) (string, bool) {
	const marker = "/cves/"
	i := strings.LastIndex(link, marker)
	if i < 0 {
		return "", false
	}
	rel := link[i+len(marker):]
	if rel == "" {
		return "", false
	}
	return rel, true
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("delta log is empty")
	}
	if err != nil {
		return fmt.Errorf("read delta log: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("delta log: expected %q, got %v", want, tok)
	}
	return nil
}
