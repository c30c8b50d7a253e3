package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// A load error is reported but the checks still run; they usually
	// say more about the cause than the error does.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Println(renderDiagnosis(diag))
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

var statusColors = map[string]lipgloss.Color{
	doctor.StatusPass: lipgloss.Color("2"),
	doctor.StatusWarn: lipgloss.Color("3"),
	doctor.StatusFail: lipgloss.Color("1"),
	doctor.StatusSkip: lipgloss.Color("240"),
}

// renderDiagnosis draws one row per check. Details go on a second line of
// the RESULT cell.
func renderDiagnosis(diag doctor.Diagnosis) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	counts := map[string]int{}
	rows := make([][]string, 0, len(diag.Results))
	for _, res := range diag.Results {
		counts[res.Status]++
		result := res.Message
		if res.Detail != "" {
			result += "\n" + res.Detail
		}
		rows = append(rows, []string{res.Name, res.Status, result})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dim).
		Headers("CHECK", "STATUS", "RESULT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col == 1 && row >= 0 && row < len(diag.Results):
				return cell.Foreground(statusColors[diag.Results[row].Status])
			default:
				return cell
			}
		})

	var b strings.Builder
	fmt.Fprintf(&b, "concierge %s doctor, %s/%s %s, %s\n",
		diag.System.Version, diag.System.OS, diag.System.Arch, diag.System.Go,
		diag.Timestamp.Format(time.RFC3339))
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(dim.Render(fmt.Sprintf("%d passed, %d warnings, %d failed, %d skipped",
		counts[doctor.StatusPass], counts[doctor.StatusWarn], counts[doctor.StatusFail], counts[doctor.StatusSkip])))
	return b.String()
}
