// Package report exports tasks to an Excel workbook.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/stellarlinkco/cabot/internal/task"
)

// SheetName is the sheet the tasks are written to.
const SheetName = "Tasks"

// TimeLayout formats timestamps in the exported sheet.
const TimeLayout = "02.01.2006 15:04"

var header = []string{
	"ID", "Creator", "Assignee", "Description", "Deadline",
	"Status", "Created", "Completed", "Last reminder", "Evidence",
}

// ExportTasks writes tasks to a new workbook at path. Times are shown in
// loc and the status column carries the display status at now.
func ExportTasks(path string, tasks []*task.Task, loc *time.Location, now time.Time) error {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, t := range tasks {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{
			int64(t.ID),
			t.CreatorName,
			t.AssigneeName,
			t.Description,
			formatTime(&t.Deadline, loc),
			string(t.DisplayStatus(now)),
			formatTime(&t.CreatedAt, loc),
			formatTime(t.CompletedAt, loc),
			formatTime(t.LastReminderAt, loc),
			string(t.Evidence.Kind),
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write task %d: %w", t.ID, err)
		}
	}

	if err := f.SetColWidth(SheetName, "D", "D", 60); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format(TimeLayout)
}
