// Package export renders per-environment alert listings as downloadable
// documents for operations reviews.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	telemetry "rea-telemetry/internal/telemetry/domain"
	"rea-telemetry/internal/warehouse"
)

// BuildAlertsPDF renders a minimal PDF listing for an environment's alerts.
func BuildAlertsPDF(environment string, since time.Time, rows []warehouse.AlertRow) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Alerts")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Environment: %s", environment))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Since: %s", since.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d", len(rows)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(35, 6, "Start", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Type", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Severity", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Resolved", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Pushed", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		pushed := "no"
		if row.PushTS != nil {
			pushed = "yes"
		}
		resolved := "no"
		if row.IsResolved {
			resolved = "yes"
		}
		pdf.CellFormat(35, 6, row.AlertStart.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, row.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, row.Type, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, string(row.Severity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, resolved, "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, pushed, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	err := pdf.Output(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlertsXLSX renders a minimal XLSX listing for an environment's alerts.
func BuildAlertsXLSX(environment string, since time.Time, rows []warehouse.AlertRow) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	alertsSheet := "alerts"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(alertsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Device Alerts")
	_ = f.SetCellValue(summarySheet, "A3", "Environment")
	_ = f.SetCellValue(summarySheet, "B3", environment)
	_ = f.SetCellValue(summarySheet, "A4", "Since")
	_ = f.SetCellValue(summarySheet, "B4", since.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Alerts")
	_ = f.SetCellValue(summarySheet, "B5", len(rows))
	_ = f.SetCellValue(summarySheet, "A6", "Critical")
	_ = f.SetCellValue(summarySheet, "B6", countSeverity(rows, telemetry.SeverityCritical))
	_ = f.SetCellValue(summarySheet, "A7", "Warning")
	_ = f.SetCellValue(summarySheet, "B7", countSeverity(rows, telemetry.SeverityWarning))

	_ = f.SetCellValue(alertsSheet, "A1", "Start")
	_ = f.SetCellValue(alertsSheet, "B1", "Device")
	_ = f.SetCellValue(alertsSheet, "C1", "External ID")
	_ = f.SetCellValue(alertsSheet, "D1", "Type")
	_ = f.SetCellValue(alertsSheet, "E1", "Severity")
	_ = f.SetCellValue(alertsSheet, "F1", "Message")
	_ = f.SetCellValue(alertsSheet, "G1", "Resolved")
	_ = f.SetCellValue(alertsSheet, "H1", "Pushed At")
	for i, row := range rows {
		line := i + 2
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("A%d", line), row.AlertStart.Format(time.RFC3339))
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("B%d", line), row.DeviceID)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("C%d", line), row.ExternalID)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("D%d", line), row.Type)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("E%d", line), string(row.Severity))
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("F%d", line), row.ErrorMessage)
		_ = f.SetCellValue(alertsSheet, fmt.Sprintf("G%d", line), row.IsResolved)
		if row.PushTS != nil {
			_ = f.SetCellValue(alertsSheet, fmt.Sprintf("H%d", line), row.PushTS.Format(time.RFC3339))
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func countSeverity(rows []warehouse.AlertRow, severity telemetry.Severity) int {
	count := 0
	for _, row := range rows {
		if row.Severity == severity {
			count++
		}
	}
	return count
}
