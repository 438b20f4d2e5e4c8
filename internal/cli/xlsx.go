package cli

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/lexsub/internal/models"
)

const (
	candidatesSheet = "candidates"
	failuresSheet   = "failures"
)

// WriteXLSX writes report as a workbook with a candidates sheet (one row per
// candidate) and a failures sheet.
func WriteXLSX(w io.Writer, report *models.Report) error {
	f, err := buildWorkbook(report)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveXLSX writes the workbook of report to path.
func SaveXLSX(path string, report *models.Report) error {
	f, err := buildWorkbook(report)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func buildWorkbook(report *models.Report) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", candidatesSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	rows := [][]interface{}{{"target_word", "target_category", "sentence_id", "instance_id", "rank", "candidate", "category", "score"}}
	for _, l := range report.Lists() {
		for i, c := range l.Candidates {
			rows = append(rows, []interface{}{
				l.Key.TargetWord, string(l.Key.TargetCategory), l.Key.SentenceID, l.InstanceID,
				i + 1, c.Word, string(c.Category), float64(c.Score),
			})
		}
	}
	if err := writeRows(f, candidatesSheet, rows); err != nil {
		_ = f.Close()
		return nil, err
	}

	if _, err := f.NewSheet(failuresSheet); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	rows = [][]interface{}{{"target_word", "target_category", "sentence_id", "instance_id", "reason"}}
	for _, fl := range report.Failures {
		rows = append(rows, []interface{}{
			fl.Key.TargetWord, string(fl.Key.TargetCategory), fl.Key.SentenceID, fl.InstanceID, fl.Reason,
		})
	}
	if err := writeRows(f, failuresSheet, rows); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
