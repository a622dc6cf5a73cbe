// Package export renders payable obligations as spreadsheets for the finance team.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"fiscal-inbox-go/internal/models"
)

const sheet = "Obligations"

// ContentType is the MIME type of the workbook written by WriteObligations
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var header = []interface{}{
	"ID", "Due date", "Supplier", "Supplier tax ID", "Access key", "Description", "Amount", "Status",
}

// WriteObligations writes one row per obligation to an xlsx workbook
func WriteObligations(w io.Writer, obligations []models.PayableObligation) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	dateStyle, err := f.NewStyle(&excelize.Style{NumFmt: 14})
	if err != nil {
		return fmt.Errorf("failed to create date style: %w", err)
	}
	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return fmt.Errorf("failed to create amount style: %w", err)
	}

	for i, o := range obligations {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		amount, _ := o.Amount.Float64()
		values := []interface{}{
			o.ID, o.DueDate, o.Supplier, o.SupplierTaxID, o.DocumentNumber, o.Description, amount, o.Status,
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write obligation %d: %w", o.ID, err)
		}
	}

	if n := len(obligations); n > 0 {
		last := n + 1
		if err := f.SetCellStyle(sheet, "B2", fmt.Sprintf("B%d", last), dateStyle); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "G2", fmt.Sprintf("G%d", last), moneyStyle); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(sheet, "E", "F", 48); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
