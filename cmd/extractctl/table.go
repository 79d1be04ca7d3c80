package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// column pairs a header with its cell alignment so callers declare table
// shape in one place.
type column struct {
	header string
	align  columnAlignment
}

func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, col := range columns {
		header[i] = col.header
		align := text.AlignLeft
		if col.align == alignRight {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		cells := make(table.Row, len(columns))
		for i := range columns {
			if i < len(row) {
				cells[i] = row[i]
			} else {
				cells[i] = ""
			}
		}
		tw.AppendRow(cells)
	}

	return tw.Render()
}
