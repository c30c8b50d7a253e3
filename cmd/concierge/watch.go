package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/config"
)

const watchHistory = 200

// wireEvent is a bus event as streamed by /ws/events.
type wireEvent struct {
	Topic    string          `json:"topic"`
	Identity string          `json:"identity"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	topic := fs.String("topic", "", "topic prefix filter, e.g. loop.")
	identity := fs.String("identity", "", "only events for this identity")
	plain := fs.Bool("plain", false, "print one line per event instead of the live view")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := newAdminClient(cfg)

	q := url.Values{}
	if *topic != "" {
		q.Set("topic", *topic)
	}
	if *identity != "" {
		q.Set("identity", *identity)
	}
	path := "/ws/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	header := http.Header{}
	if client.token != "" {
		header.Set("Authorization", "Bearer "+client.token)
	}
	conn, _, err := websocket.Dial(ctx, client.wsURL(path), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	events := make(chan wireEvent, 64)
	streamErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			var ev wireEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				streamErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if *plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		for ev := range events {
			fmt.Println(formatEvent(ev))
		}
		if ctx.Err() != nil {
			return 0
		}
		fmt.Fprintf(os.Stderr, "watch: %v\n", <-streamErr)
		return 1
	}

	m := newWatchModel(events, baseURL(cfg.BindAddr))
	final, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	if wm, ok := final.(watchModel); ok && wm.streamErr != "" {
		fmt.Fprintf(os.Stderr, "watch: %s\n", wm.streamErr)
		return 1
	}
	return 0
}

type eventMsg wireEvent

type streamClosedMsg struct{}

func waitForEvent(events <-chan wireEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// identityStats is what the live view tracks per identity.
type identityStats struct {
	Depth     int
	Processed int
	Failed    int
	Draining  bool
	LastSeen  time.Time
}

type watchModel struct {
	events    <-chan wireEvent
	server    string
	lines     []string
	stats     map[string]*identityStats
	streamErr string
	width     int
	height    int
}

func newWatchModel(events <-chan wireEvent, server string) watchModel {
	return watchModel{
		events: events,
		server: server,
		stats:  map[string]*identityStats{},
	}
}

func (m watchModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case eventMsg:
		m.apply(wireEvent(msg))
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.streamErr = "event stream closed by server"
		return m, tea.Quit
	}
	return m, nil
}

// apply folds one event into the per-identity stats and the event log.
func (m *watchModel) apply(ev wireEvent) {
	m.lines = append(m.lines, formatEvent(ev))
	if len(m.lines) > watchHistory {
		m.lines = m.lines[len(m.lines)-watchHistory:]
	}
	if ev.Identity == "" {
		return
	}
	st, ok := m.stats[ev.Identity]
	if !ok {
		st = &identityStats{}
		m.stats[ev.Identity] = st
	}
	st.LastSeen = ev.At

	switch ev.Topic {
	case bus.TopicQueueEnqueued:
		var p bus.EnqueuedEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			st.Depth = p.QueueDepth
		}
	case bus.TopicDrainStarted:
		st.Draining = true
	case bus.TopicEventProcessed:
		st.Processed++
		if st.Depth > 0 {
			st.Depth--
		}
	case bus.TopicEventFailed:
		st.Failed++
		if st.Depth > 0 {
			st.Depth--
		}
	case bus.TopicDrainFinished:
		st.Draining = false
		var p bus.DrainEvent
		if json.Unmarshal(ev.Payload, &p) == nil && p.Reason == "empty" {
			st.Depth = 0
		}
	}
}

func (m watchModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	active := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failed := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	var b strings.Builder
	b.WriteString(title.Render("concierge watch") + dim.Render("  "+m.server+"  (q to quit)") + "\n\n")

	ids := make([]string, 0, len(m.stats))
	for id := range m.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		b.WriteString(dim.Render("waiting for events...") + "\n")
	}
	for _, id := range ids {
		st := m.stats[id]
		line := fmt.Sprintf("%-28s depth=%-4d done=%-5d", id, st.Depth, st.Processed)
		switch {
		case st.Draining:
			line = active.Render(line + " draining")
		case st.Failed > 0:
			line = line + failed.Render(fmt.Sprintf(" failed=%d", st.Failed))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + dim.Render("── events ──") + "\n")
	lines := m.lines
	limit := 15
	if m.height > len(ids)+8 {
		limit = m.height - len(ids) - 8
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	return b.String()
}

// formatEvent renders one event as a single log line.
func formatEvent(ev wireEvent) string {
	ts := ev.At.Local().Format("15:04:05")
	who := ev.Identity
	if who == "" {
		who = "-"
	}
	return fmt.Sprintf("%s %-22s %-24s %s", ts, ev.Topic, who, summarizePayload(ev))
}

func summarizePayload(ev wireEvent) string {
	switch ev.Topic {
	case bus.TopicQueueEnqueued:
		var p bus.EnqueuedEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("kind=%s depth=%d", p.Kind, p.QueueDepth)
		}
	case bus.TopicDrainFinished, bus.TopicDrainBusy:
		var p bus.DrainEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("processed=%d failed=%d reason=%s", p.Processed, p.Failed, p.Reason)
		}
	case bus.TopicLoopStep, bus.TopicLoopCompleted, bus.TopicLoopBudget, bus.TopicLoopStarted:
		var p bus.LoopStepEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			s := fmt.Sprintf("step=%d", p.Step)
			if p.MaxSteps > 0 {
				s = fmt.Sprintf("step=%d/%d", p.Step, p.MaxSteps)
			}
			if p.Service != "" {
				s += " " + p.Service + "." + p.Function
			}
			if p.Status != "" {
				s += " status=" + p.Status
			}
			return s
		}
	case bus.TopicQueueDeadLetter:
		var p bus.DeadLetterEvent
		if json.Unmarshal(ev.Payload, &p) == nil {
			return "reason=" + p.Reason
		}
	}
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return ""
	}
	return string(ev.Payload)
}
