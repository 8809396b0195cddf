package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// parseCSV tabulates a CSV buffer into a single table. Rows with variable
// field counts are allowed; fields are trimmed.
func parseCSV(raw []byte, filename string) (*Document, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read csv %s", filename)
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		rows = append(rows, record)
	}

	if len(rows) == 0 {
		return nil, eris.Errorf("ingest: csv %s is empty", filename)
	}

	return &Document{
		Filename: filename,
		MimeType: "text/csv",
		Tables:   []Table{{Rows: rows}},
	}, nil
}
