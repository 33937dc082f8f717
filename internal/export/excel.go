// Package export renders attendance rows for the reporting side. The core
// supplies filtered, identity-joined records; formatting stops here.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"faceattend/internal/attendance"
)

const sheetName = "Attendance"

var headers = []string{"Timestamp", "Tenant", "Username", "Name", "Latitude", "Longitude", "Status", "Score"}

// WriteXLSX writes the records as a single-sheet workbook.
func WriteXLSX(w io.Writer, records []attendance.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", sheetName)

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for i, rec := range records {
		row := []any{
			rec.When.UTC().Format("2006-01-02 15:04:05"),
			rec.TenantID,
			rec.Username,
			rec.FullName,
			rec.Latitude,
			rec.Longitude,
			rec.Status,
		}
		if rec.Score != nil {
			row = append(row, *rec.Score)
		} else {
			row = append(row, nil)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	return f.Write(w)
}
