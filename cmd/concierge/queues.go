package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/persistence"
)

type queuesResponse struct {
	Queues []persistence.QueueStat `json:"queues"`
	Count  int                     `json:"count"`
}

type drainResponse struct {
	Identity  string `json:"identity"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason"`
}

func runQueuesCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("queues", flag.ContinueOnError)
	pending := fs.Bool("pending", false, "only identities with queued events")
	jsonOut := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: concierge queues [-pending] [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := "/api/queues"
	if *pending {
		path += "?pending=true"
	}
	var resp queuesResponse
	if err := newAdminClient(cfg).getJSON(ctx, path, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "queues: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Println(renderQueues(resp.Queues, time.Now()))
	return 0
}

// renderQueues draws the queue list as a table. Ages are relative to now.
func renderQueues(stats []persistence.QueueStat, now time.Time) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if len(stats) == 0 {
		return dim.Render("no queued events")
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	busy := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cell := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(stats))
	total := 0
	for _, st := range stats {
		total += st.Depth
		lock := "-"
		if st.LockHeld {
			lock = "held " + st.LockExpires.Sub(now).Truncate(time.Second).String()
		}
		rows = append(rows, []string{
			st.Identity,
			strconv.Itoa(st.Depth),
			now.Sub(st.OldestAt).Truncate(time.Second).String(),
			lock,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dim).
		Headers("IDENTITY", "DEPTH", "OLDEST", "LOCK").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header.Padding(0, 1)
			case col == 3 && row >= 0 && row < len(stats) && stats[row].LockHeld:
				return busy.Padding(0, 1)
			default:
				return cell
			}
		})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(dim.Render(fmt.Sprintf("%d identities, %d events", len(stats), total)))
	return b.String()
}

func runDrainCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: concierge drain <identity>")
		return 2
	}
	identity := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	var resp drainResponse
	path := "/api/queues/" + url.PathEscape(identity) + "/drain"
	if err := newAdminClient(cfg).postJSON(ctx, path, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}
	fmt.Printf("%s: processed=%d failed=%d reason=%s\n", resp.Identity, resp.Processed, resp.Failed, resp.Reason)
	return 0
}
