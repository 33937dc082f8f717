package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"faceattend/internal/attendance"
)

func TestWriteXLSX(t *testing.T) {
	score := 0.3
	records := []attendance.Record{
		{
			SubjectID: "u1",
			TenantID:  "t1",
			Username:  "jdoe",
			FullName:  "Jane Doe",
			When:      time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			Latitude:  48.2,
			Longitude: 16.3,
			Status:    attendance.StatusPresent,
			Score:     &score,
		},
		{
			SubjectID: "u2",
			TenantID:  "t1",
			Username:  "asmith",
			When:      time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			Status:    attendance.StatusRejected,
		},
	}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, records); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Timestamp" || rows[0][6] != "Status" {
		t.Errorf("unexpected header row: %v", rows[0])
	}
	if rows[1][2] != "jdoe" || rows[1][6] != attendance.StatusPresent {
		t.Errorf("unexpected first data row: %v", rows[1])
	}
	// Null score renders as an empty cell, not zero.
	if len(rows[2]) > 7 && rows[2][7] != "" {
		t.Errorf("expected empty score cell, got %q", rows[2][7])
	}
}

func TestWriteXLSXEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected header only, got %d rows", len(rows))
	}
}
