// Package cve maps CVE JSON 5 documents onto the flat Record stored by the
// loader, and provides the transformers and SQL statements that move records
// through the pipeline.
package cve
