// Package report renders a user's diagnostic history as an XLSX workbook.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Diagnostics"

// Row is one diagnostic line in the export.
type Row struct {
	ID         uint
	ImageURL   string
	Status     string
	Prediction string
	Confidence float64
	Result     string
	CreatedAt  time.Time
}

var headers = []string{"ID", "Image", "Status", "Prediction", "Confidence", "Result", "Created At"}

// DiagnosticsWorkbook writes rows for owner into an XLSX document.
func DiagnosticsWorkbook(owner string, rows []Row) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetDocProps(&excelize.DocProperties{Title: "Diagnostic history", Subject: owner}); err != nil {
		return nil, fmt.Errorf("set properties: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create style: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(sheetName, "A1", "G1", headerStyle); err != nil {
		return nil, err
	}

	for r, row := range rows {
		values := []interface{}{
			row.ID,
			row.ImageURL,
			row.Status,
			row.Prediction,
			row.Confidence,
			row.Result,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+2, err)
		}
	}
	if err := f.SetColWidth(sheetName, "B", "B", 48); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheetName, "F", "F", 64); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
