package cve

import "time"

// SchemaSQL creates the table the Postgres committers write to.
const SchemaSQL = `CREATE TABLE IF NOT EXISTS cve (
	cve_id         TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	problem_types  TEXT NOT NULL DEFAULT '',
	reserved_date  TIMESTAMP NULL,
	published_date TIMESTAMP NULL,
	updated_date   TIMESTAMP NULL
)`

// InsertSQL adds a record; a CVE that already exists is left untouched.
const InsertSQL = `INSERT INTO cve
	(cve_id, title, description, problem_types, reserved_date, published_date, updated_date)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (cve_id) DO NOTHING`

// UpdateSQL rewrites every column of an existing record, inserting it when missing.
const UpdateSQL = `INSERT INTO cve
	(cve_id, title, description, problem_types, reserved_date, published_date, updated_date)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (cve_id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	problem_types = EXCLUDED.problem_types,
	reserved_date = EXCLUDED.reserved_date,
	published_date = EXCLUDED.published_date,
	updated_date = EXCLUDED.updated_date`

// Args returns the positional arguments for InsertSQL and UpdateSQL.
func Args(r Record) []any {
	return []any{
		r.ID,
		r.Title,
		r.Description,
		r.ProblemTypes,
		nullableTime(r.ReservedDate),
		nullableTime(r.PublishedDate),
		nullableTime(r.UpdatedDate),
	}
}

func nullableTime(s string) any {
	if s == "" {
		return nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil
	}
	return t
}
