package cve

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingMetadata is returned for documents without a cveMetadata object.
	ErrMissingMetadata = errors.New("cve: document has no cveMetadata")
	// ErrMissingID is returned when cveMetadata.cveId is absent or empty.
	ErrMissingID = errors.New("cve: document has no cveId")
	// ErrMissingContainers is returned for documents without a containers object.
	ErrMissingContainers = errors.New("cve: document has no containers")
	// ErrMalformedDescription is returned when a cna description lacks its lang or value.
	ErrMalformedDescription = errors.New("cve: description without lang or value")
)

// Accepted input layouts, tried in order.
var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z",
}

type document struct {
	Metadata   *metadata   `json:"cveMetadata"`
	Containers *containers `json:"containers"`
}

type metadata struct {
	ID            string `json:"cveId"`
	DateReserved  string `json:"dateReserved"`
	DatePublished string `json:"datePublished"`
	DateUpdated   string `json:"dateUpdated"`
}

type containers struct {
	CNA *container  `json:"cna"`
	ADP []container `json:"adp"`
}

type container struct {
	Title        *string       `json:"title"`
	Descriptions []langValue   `json:"descriptions"`
	ProblemTypes []problemType `json:"problemTypes"`
}

type langValue struct {
	Lang  *string `json:"lang"`
	Value *string `json:"value"`
}

type problemType struct {
	Descriptions []problemTypeDescription `json:"descriptions"`
}

type problemTypeDescription struct {
	Lang        *string `json:"lang"`
	Description *string `json:"description"`
}

// Extract parses one CVE JSON 5 document.
func Extract(doc []byte) (Record, error) {
	var d document
	if err := json.Unmarshal(doc, &d); err != nil {
		return Record{}, fmt.Errorf("decode cve document: %w", err)
	}
	if d.Metadata == nil {
		return Record{}, ErrMissingMetadata
	}
	if d.Metadata.ID == "" {
		return Record{}, ErrMissingID
	}
	if d.Containers == nil {
		return Record{}, ErrMissingContainers
	}

	desc, err := description(d.Containers.CNA)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", d.Metadata.ID, err)
	}
	rec := Record{
		ID:           d.Metadata.ID,
		Title:        title(d.Containers),
		Description:  desc,
		ProblemTypes: problemTypes(d.Containers.CNA),
	}

	if rec.ReservedDate, err = normaliseDate(d.Metadata.DateReserved); err != nil {
		return Record{}, fmt.Errorf("%s dateReserved: %w", rec.ID, err)
	}
	if rec.PublishedDate, err = normaliseDate(d.Metadata.DatePublished); err != nil {
		return Record{}, fmt.Errorf("%s datePublished: %w", rec.ID, err)
	}
	if rec.UpdatedDate, err = normaliseDate(d.Metadata.DateUpdated); err != nil {
		return Record{}, fmt.Errorf("%s dateUpdated: %w", rec.ID, err)
	}
	return rec, nil
}

// ParseDate parses any of the timestamp layouts found in CVE documents and
// delta logs. Values without a zone are taken as UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("time %q does not match any known format", s)
}

func normaliseDate(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

func title(c *containers) string {
	if c.CNA != nil && c.CNA.Title != nil {
		return *c.CNA.Title
	}
	if len(c.ADP) > 0 && c.ADP[0].Title != nil {
		return *c.ADP[0].Title
	}
	return TitleNotFound
}

// description rejects entries missing lang or value, unlike problemTypes
// which skips them.
func description(cna *container) (string, error) {
	if cna == nil {
		return "", nil
	}
	var en, other []string
	for i, d := range cna.Descriptions {
		if d.Lang == nil || d.Value == nil {
			return "", fmt.Errorf("%w (entry %d)", ErrMalformedDescription, i)
		}
		if *d.Lang == "en" {
			en = append(en, *d.Value)
		} else {
			other = append(other, *d.Value)
		}
	}
	return joinPreferred(en, other), nil
}

func problemTypes(cna *container) string {
	if cna == nil {
		return ""
	}
	var en, other []string
	for _, pt := range cna.ProblemTypes {
		for _, d := range pt.Descriptions {
			// entries without a description or a language are ignored
			if d.Description == nil || d.Lang == nil {
				continue
			}
			if *d.Lang == "en" {
				en = append(en, *d.Description)
			} else {
				other = append(other, *d.Description)
			}
		}
	}
	return joinPreferred(en, other)
}

func joinPreferred(preferred, fallback []string) string {
	if len(preferred) > 0 {
		return strings.Join(preferred, "\n")
	}
	return strings.Join(fallback, "\n")
}
