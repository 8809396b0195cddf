package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// writeProfileWorkbook exports reconciled profiles to a two-sheet
// workbook: one row per facility, one row per accepted field value.
func writeProfileWorkbook(path string, profiles []*model.FacilityProfile) error {
	file := xlsx.NewFile()

	facilities, err := file.AddSheet("Facilities")
	if err != nil {
		return eris.Wrap(err, "export: add facilities sheet")
	}
	header := facilities.AddRow()
	for _, h := range []string{"Facility", "CCN", "Licensed Beds", "Aliases", "Periods"} {
		header.AddCell().Value = h
	}
	for _, p := range profiles {
		row := facilities.AddRow()
		row.AddCell().Value = p.Name
		row.AddCell().Value = p.CCN
		row.AddCell().Value = strconv.Itoa(p.LicensedBeds)
		row.AddCell().Value = fmt.Sprintf("%v", p.Aliases)
		row.AddCell().Value = strconv.Itoa(len(p.Periods))
	}

	fields, err := file.AddSheet("Fields")
	if err != nil {
		return eris.Wrap(err, "export: add fields sheet")
	}
	header = fields.AddRow()
	for _, h := range []string{"Facility", "Period", "Field", "Value", "Confidence", "Source", "Proposals"} {
		header.AddCell().Value = h
	}
	for _, p := range profiles {
		for _, rec := range p.Periods {
			for field, slot := range rec.Slots {
				if slot.Accepted == nil {
					continue
				}
				row := fields.AddRow()
				row.AddCell().Value = p.Name
				row.AddCell().Value = rec.Key.String()
				row.AddCell().Value = field
				row.AddCell().Value = model.ValueString(slot.Accepted.Value)
				row.AddCell().Value = strconv.FormatFloat(slot.Accepted.Confidence, 'f', 2, 64)
				row.AddCell().Value = string(slot.Accepted.Source)
				row.AddCell().Value = strconv.Itoa(len(slot.History))
			}
		}
	}

	if err := file.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
