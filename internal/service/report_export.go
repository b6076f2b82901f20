package service

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// AttendanceExportHeader is the column layout of the XLSX report download.
var AttendanceExportHeader = []string{
	"Participant Name",
	"Participant ID",
	"Status",
	"Engagement %",
	"Attention Score",
	"Time Engaged (minutes)",
	"Join Time",
	"Leave Time",
}

// GenerateAttendanceExport renders an AttendanceReport as an XLSX workbook.
func GenerateAttendanceExport(report *AttendanceReport) ([]byte, error) {
	f := excelize.NewFile()
	// Don't defer Close() here, WriteTo needs the file open.

	sheetName := "Attendance"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range AttendanceExportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell: %w", err)
		}
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, rec := range report.Records {
		row := i + 2
		leave := "Still in class"
		if rec.EndedAt != nil {
			leave = rec.EndedAt.Format(time.DateTime)
		}
		values := []any{
			rec.ParticipantName,
			rec.ParticipantID,
			string(rec.Status),
			round2(rec.EngagementPercentage),
			round2(rec.AttentionScore),
			round2(rec.EngagedSeconds / 60),
			rec.StartedAt.Format(time.DateTime),
			leave,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}
	return buf.Bytes(), nil
}
