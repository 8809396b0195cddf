// Package ingest parses raw document buffers into text and tables for the
// extraction pipeline. OCR and PDF handling live upstream; this package
// covers the pre-parsed formats callers submit directly.
package ingest

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

// Table is one tabulated sheet or CSV body.
type Table struct {
	Name string     `json:"name,omitempty"`
	Rows [][]string `json:"rows"`
}

// Document is the parsed form of one submitted file.
type Document struct {
	Filename string  `json:"filename"`
	MimeType string  `json:"mime_type"`
	Text     string  `json:"text,omitempty"`
	Tables   []Table `json:"tables,omitempty"`
}

// Flatten renders the document's tables as tab-separated text appended to
// its free text, for prompt injection.
func (d *Document) Flatten() string {
	var b strings.Builder
	b.WriteString(d.Text)
	for _, t := range d.Tables {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if t.Name != "" {
			b.WriteString("--- " + t.Name + " ---\n")
		}
		for _, row := range t.Rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Parse converts a raw buffer into a Document based on the filename
// extension. Returns ErrUnsupportedFormat for formats the pipeline cannot
// tabulate.
func Parse(raw []byte, filename string) (*Document, error) {
	if len(raw) == 0 {
		return nil, eris.Wrapf(resilience.ErrInvalidInput, "ingest: empty buffer for %s", filename)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return parseXLSX(raw, filename)
	case ".csv":
		return parseCSV(raw, filename)
	case ".txt", ".md", ".json":
		if !utf8.Valid(raw) {
			return nil, eris.Wrapf(resilience.ErrUnsupportedFormat, "ingest: %s is not valid UTF-8", filename)
		}
		return &Document{
			Filename: filename,
			MimeType: "text/plain",
			Text:     string(raw),
		}, nil
	default:
		return nil, eris.Wrapf(resilience.ErrUnsupportedFormat, "ingest: unrecognized extension on %s", filename)
	}
}
