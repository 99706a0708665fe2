package batch

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Summary records what a batch run did, for the report and the job message.
type Summary struct {
	SourceName     string
	ExtractedFiles int
	ImageFiles     int
	SignalRecords  int
	TextFiles      int
	Unrecognized   []string
	Succeeded      []string
	Failed         map[string]string
}

// buildReport renders the consolidated plain-text processing report bundled
// with every batch result.
func buildReport(s *Summary, processedAt time.Time) []byte {
	var buf bytes.Buffer

	divider := strings.Repeat("=", 60)
	buf.WriteString(divider + "\n")
	buf.WriteString("BATCH PROCESSING REPORT\n")
	buf.WriteString(divider + "\n\n")
	fmt.Fprintf(&buf, "Source archive: %s\n", s.SourceName)
	fmt.Fprintf(&buf, "Processed at:   %s\n", processedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&buf, "Files extracted: %d\n\n", s.ExtractedFiles)

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Category", "Units", "Status", "Detail"})
	table.SetBorder(true)
	table.SetRowLine(true)

	for _, row := range [][2]interface{}{
		{CategoryImages, s.ImageFiles},
		{CategorySignals, s.SignalRecords},
		{CategoryText, s.TextFiles},
	} {
		category := row[0].(string)
		count := row[1].(int)

		status := "skipped"
		detail := "no files in this category"
		if contains(s.Succeeded, category) {
			status = "ok"
			detail = "processed successfully"
		} else if msg, failed := s.Failed[category]; failed {
			status = "failed"
			detail = msg
		}
		table.Append([]string{category, fmt.Sprintf("%d", count), status, detail})
	}
	table.Render()

	if len(s.Unrecognized) > 0 {
		buf.WriteString("\nUnrecognized files (not processed):\n")
		limit := len(s.Unrecognized)
		if limit > 20 {
			limit = 20
		}
		for _, name := range s.Unrecognized[:limit] {
			fmt.Fprintf(&buf, "  - %s\n", name)
		}
		if rest := len(s.Unrecognized) - limit; rest > 0 {
			fmt.Fprintf(&buf, "  ... and %d more\n", rest)
		}
	}

	buf.WriteString("\n" + divider + "\n")
	buf.WriteString("Processing finished.\n")
	buf.WriteString(divider + "\n")
	return buf.Bytes()
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
