package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// Report is a point-in-time snapshot of the alarm state.
type Report struct {
	GeneratedAt time.Time
	Summary     classification.Dashboard
	Statistics  alarms.Statistics
	Active      []classification.EnrichedAlarm
	History     []classification.EnrichedAlarm
}

// Build assembles a report from the active set and history.
func Build(classifier classification.Classifier, active, history []alarms.Alarm, stats alarms.Statistics, at time.Time) Report {
	return Report{
		GeneratedAt: at.UTC(),
		Summary:     classifier.DashboardSummary(active),
		Statistics:  stats,
		Active:      classifier.EnrichAll(classifier.Sort(active)),
		History:     classifier.EnrichAll(history),
	}
}

// BuildPDF renders the report as an A4 landscape PDF.
func BuildPDF(rep Report) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", rep.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Active alarms: %d (unacknowledged %d)", rep.Summary.Total, rep.Summary.TotalUnacknowledged))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rules: %d (enabled %d), triggered since start: %d",
		rep.Statistics.TotalRules, rep.Statistics.EnabledRules, rep.Statistics.TotalTriggered))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Class", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Unacknowledged", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, entry := range []classification.DashboardEntry{rep.Summary.Critical, rep.Summary.Warning, rep.Summary.Info} {
		r, g, b := hexColor(entry.Color)
		pdf.SetTextColor(r, g, b)
		pdf.CellFormat(50, 6, entry.Label, "1", 0, "L", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", entry.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", entry.Unacknowledged), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	writeAlarmTable(pdf, "Active Alarms", rep.Active)
	writeAlarmTable(pdf, "History", rep.History)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAlarmTable(pdf *gofpdf.Fpdf, title string, list []classification.EnrichedAlarm) {
	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 11)
	pdf.Cell(0, 7, title)
	pdf.Ln(8)

	headers := []struct {
		label string
		width float64
	}{
		{"Class", 15}, {"Triggered", 40}, {"Device", 35}, {"Tag", 30},
		{"Alarm", 70}, {"Value", 25}, {"Acknowledged", 35}, {"Cleared", 25},
	}
	pdf.SetFont("Arial", "B", 9)
	for _, h := range headers {
		pdf.CellFormat(h.width, 6, h.label, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, alarm := range list {
		acked := ""
		if alarm.AcknowledgedAt != nil {
			acked = alarm.AcknowledgedBy
		}
		cleared := ""
		if alarm.ClearedAt != nil {
			cleared = alarm.ClearedAt.Format("15:04:05")
		}
		cells := []string{
			string(alarm.AlarmClass),
			alarm.TriggeredAt.Format(timeLayout),
			alarm.DeviceID,
			alarm.TagName,
			alarm.AlarmName,
			alarm.Value.String(),
			acked,
			cleared,
		}
		for i, h := range headers {
			pdf.CellFormat(h.width, 6, cells[i], "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
}

// BuildXLSX renders the report as a workbook with summary, active and
// history sheets.
func BuildXLSX(rep Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	activeSheet := "active"
	historySheet := "history"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(activeSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Alarm Report")
	_ = f.SetCellValue(summarySheet, "A2", "Generated")
	_ = f.SetCellValue(summarySheet, "B2", rep.GeneratedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Class")
	_ = f.SetCellValue(summarySheet, "B4", "Count")
	_ = f.SetCellValue(summarySheet, "C4", "Unacknowledged")
	for i, entry := range []classification.DashboardEntry{rep.Summary.Critical, rep.Summary.Warning, rep.Summary.Info} {
		row := i + 5
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), entry.Label)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), entry.Count)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", row), entry.Unacknowledged)
	}
	_ = f.SetCellValue(summarySheet, "A8", "Total")
	_ = f.SetCellValue(summarySheet, "B8", rep.Summary.Total)
	_ = f.SetCellValue(summarySheet, "C8", rep.Summary.TotalUnacknowledged)
	_ = f.SetCellValue(summarySheet, "A10", "Rules")
	_ = f.SetCellValue(summarySheet, "B10", rep.Statistics.TotalRules)
	_ = f.SetCellValue(summarySheet, "A11", "Enabled rules")
	_ = f.SetCellValue(summarySheet, "B11", rep.Statistics.EnabledRules)
	_ = f.SetCellValue(summarySheet, "A12", "Triggered")
	_ = f.SetCellValue(summarySheet, "B12", rep.Statistics.TotalTriggered)

	writeAlarmSheet(f, activeSheet, rep.Active)
	writeAlarmSheet(f, historySheet, rep.History)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAlarmSheet(f *excelize.File, sheet string, list []classification.EnrichedAlarm) {
	headers := []string{"ID", "Class", "Priority", "Triggered", "Device", "Tag", "Alarm", "Value", "Acknowledged At", "Acknowledged By", "Cleared At", "Escalated To"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, alarm := range list {
		row := i + 2
		values := []any{
			alarm.ID,
			string(alarm.AlarmClass),
			string(alarm.Priority),
			alarm.TriggeredAt.Format(timeLayout),
			alarm.DeviceID,
			alarm.TagName,
			alarm.AlarmName,
			alarm.Value.Any(),
			formatOptional(alarm.AcknowledgedAt),
			alarm.AcknowledgedBy,
			formatOptional(alarm.ClearedAt),
			string(alarm.EscalatedClass),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func hexColor(value string) (int, int, int) {
	var r, g, b int
	if _, err := fmt.Sscanf(value, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return 0, 0, 0
	}
	return r, g, b
}
