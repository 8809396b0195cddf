package ingest

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// parseXLSX tabulates every sheet in the workbook. Empty trailing sheets
// are kept out of the result so downstream prompts stay small.
func parseXLSX(raw []byte, filename string) (*Document, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open xlsx %s", filename)
	}

	doc := &Document{
		Filename: filename,
		MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}

	for _, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			empty := true
			for j, cell := range row.Cells {
				cells[j] = cell.String()
				if cells[j] != "" {
					empty = false
				}
			}
			if !empty {
				rows = append(rows, cells)
			}
		}
		if len(rows) > 0 {
			doc.Tables = append(doc.Tables, Table{Name: sheet.Name, Rows: rows})
		}
	}

	if len(doc.Tables) == 0 {
		return nil, eris.Errorf("ingest: xlsx %s has no populated sheets", filename)
	}

	return doc, nil
}
