package assets

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderLogEntry formats a finished asset for the conversation log. Chart
// data becomes an aligned text table and diagram markup becomes a source
// block, so the log stays useful without a graphical renderer.
func RenderLogEntry(asset Asset) string {
	switch asset.Kind {
	case KindChart:
		data, err := ParseChartData(asset.Source)
		if err != nil {
			return fmt.Sprintf("Created a chart for %q.", asset.Description)
		}
		return fmt.Sprintf("Created a chart for %q.\n\n%s", asset.Description, renderChartTable(data))
	case KindDiagram:
		return fmt.Sprintf("Created a diagram for %q.\n\n```mermaid\n%s\n```", asset.Description, strings.TrimSpace(asset.Source))
	case KindVideo:
		return fmt.Sprintf("Created a video for %q (%d bytes, %s).", asset.Description, len(asset.Data), asset.MIMEType)
	default:
		return fmt.Sprintf("Created an image for %q (%d bytes, %s).", asset.Description, len(asset.Data), asset.MIMEType)
	}
}

func renderChartTable(data *ChartData) string {
	header := append([]string{""}, data.Labels...)
	rows := [][]string{header}
	for _, s := range data.Series {
		row := make([]string, 0, len(s.Values)+1)
		row = append(row, s.Name)
		for _, v := range s.Values {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	if data.Title != "" {
		b.WriteString(data.Title)
		b.WriteString("\n")
	}
	for ri, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(pad(cell, widths[i]))
		}
		b.WriteString("\n")
		if ri == 0 {
			for i, w := range widths {
				if i > 0 {
					b.WriteString("  ")
				}
				b.WriteString(strings.Repeat("-", w))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
