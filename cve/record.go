package cve

// DateLayout is the layout every date field of a Record is serialised with.
const DateLayout = "2006-01-02T15:04:05"

// TitleNotFound is stored when neither the CNA nor the first ADP container carries a title.
const TitleNotFound = "Title not Found"

// Record is the normalised form of one CVE document. Empty date fields mean
// the document did not carry that date.
type Record struct {
	ID            string `json:"id" parquet:"cve_id"`
	Title         string `json:"title" parquet:"title"`
	Description   string `json:"description" parquet:"description"`
	ProblemTypes  string `json:"problem_types" parquet:"problem_types"`
	ReservedDate  string `json:"reserved_date,omitempty" parquet:"reserved_date,optional"`
	PublishedDate string `json:"published_date,omitempty" parquet:"published_date,optional"`
	UpdatedDate   string `json:"updated_date,omitempty" parquet:"updated_date,optional"`
}
