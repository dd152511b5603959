// Package ui implements qdl's interactive terminal view: a connection
// status line, a device log pane, and a progress bar for the operation
// currently in flight. It generalizes the teacher's Bubble Tea model down
// to what a flashing session needs — no chat view, no pipeline wizard.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"qdl/pkg/edl"
)

// View identifies which screen is on top. qdl only ever shows one screen at
// a time, but the enum mirrors the teacher's View-switch idiom for when a
// device-picker or partition-browser screen is added later.
type View int

const (
	StatusView View = iota
	LogView
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#34D399")).
			Padding(0, 2).
			Bold(true).
			Width(80)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2).
			Width(80)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA"))

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)
)

// LogMsg appends one line to the log pane — fed from edl.SummaryLogger /
// edl.VerboseLogger callbacks via a buffered channel, polled on a tea.Tick.
type LogMsg string

// ProgressMsg updates the current operation's progress bar.
type ProgressMsg struct {
	Transferred, Total int64
	Done               bool
	Err                error
}

// StateMsg reflects a connection.StateChanged event.
type StateMsg struct {
	From, To string
}

// ChipMsg reports the chip identity once a Sahara handshake completes.
type ChipMsg struct {
	Serial uint32
	HWID   uint64
}

type hideCopyNoticeMsg struct{}

type pollMsg struct{}

// Feed is how the caller pushes events into the running program: LogMsg,
// ProgressMsg, StateMsg, and ChipMsg values are read off it and translated
// into tea.Msg on a fixed poll interval.
type Feed chan tea.Msg

// NewFeed constructs a buffered Feed. A full Feed drops the oldest pending
// event rather than block the engine's callback path.
func NewFeed() Feed { return make(Feed, 256) }

// Push enqueues an event, dropping the oldest if the feed is full.
func (f Feed) Push(msg tea.Msg) {
	select {
	case f <- msg:
	default:
		select {
		case <-f:
		default:
		}
		select {
		case f <- msg:
		default:
		}
	}
}

const pollInterval = 80 * time.Millisecond

// Model is the top-level Bubble Tea model.
type Model struct {
	feed Feed

	connState   string
	chipSerial  uint32
	chipHWID    uint64
	deviceReady bool

	progress    progress.Model
	transferred int64
	total       int64
	opError     error
	opDone      bool

	log            viewport.Model
	logLines       []string
	width, height  int

	copyNotice     string
	showCopyNotice bool

	quitting bool
}

// NewModel constructs a Model that reads events from feed.
func NewModel(feed Feed) Model {
	p := progress.New(progress.WithDefaultGradient())
	lv := viewport.New(78, 12)
	return Model{
		feed:      feed,
		connState: edl.Disconnected.String(),
		progress:  p,
		log:       lv,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, pollCmd())
}

func pollCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.progress.Width = min(m.width-4, 76)
		m.log.Width = min(m.width-4, 76)
		m.log.Height = max(m.height-10, 5)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if len(m.logLines) > 0 {
				_ = clipboard.WriteAll(strings.Join(m.logLines, "\n"))
				m.copyNotice = "log copied to clipboard"
				m.showCopyNotice = true
				return m, hideCopyNoticeAfter(2 * time.Second)
			}
		case "i":
			if m.chipSerial != 0 {
				_ = clipboard.WriteAll(fmt.Sprintf("serial=%d hwid=0x%016x", m.chipSerial, m.chipHWID))
				m.copyNotice = "chip identity copied to clipboard"
				m.showCopyNotice = true
				return m, hideCopyNoticeAfter(2 * time.Second)
			}
		}
		return m, nil

	case hideCopyNoticeMsg:
		m.showCopyNotice = false
		return m, nil

	case pollMsg:
		return m.drainFeed(), pollCmd()

	case LogMsg:
		m.appendLog(string(msg))
		return m, nil

	case ProgressMsg:
		m.transferred, m.total, m.opDone, m.opError = msg.Transferred, msg.Total, msg.Done, msg.Err
		var cmd tea.Cmd
		if m.total > 0 {
			cmd = m.progress.SetPercent(float64(m.transferred) / float64(m.total))
		}
		return m, cmd

	case StateMsg:
		m.connState = msg.To
		m.deviceReady = msg.To == edl.Ready.String()
		m.appendLog(fmt.Sprintf("connection: %s -> %s", msg.From, msg.To))
		return m, nil

	case ChipMsg:
		m.chipSerial, m.chipHWID = msg.Serial, msg.HWID
		m.appendLog(fmt.Sprintf("chip identity: serial=%d hwid=0x%016x", msg.Serial, msg.HWID))
		return m, nil

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func hideCopyNoticeAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return hideCopyNoticeMsg{} })
}

// drainFeed pulls every event currently queued without blocking, folding
// them into the model directly rather than re-entering Update per message —
// the poll tick just decides how often we look.
func (m Model) drainFeed() Model {
	for {
		select {
		case msg := <-m.feed:
			next, _ := m.Update(msg)
			m = next.(Model)
		default:
			return m
		}
	}
}

func (m *Model) appendLog(line string) {
	ts := time.Now().Format("15:04:05")
	m.logLines = append(m.logLines, fmt.Sprintf("[%s] %s", ts, line))
	if len(m.logLines) > 2000 {
		m.logLines = m.logLines[len(m.logLines)-2000:]
	}
	m.log.SetContent(strings.Join(m.logLines, "\n"))
	m.log.GotoBottom()
}

func (m Model) View() string {
	if m.quitting {
		return "qdl: session closed\n"
	}

	header := headerStyle.Render(fmt.Sprintf("qdl — %s", m.connState))

	var chip string
	if m.chipSerial != 0 {
		chip = infoStyle.Render(fmt.Sprintf("chip serial=%d hwid=0x%016x", m.chipSerial, m.chipHWID))
	} else {
		chip = helpStyle.Render("no chip identity yet")
	}

	var bar string
	switch {
	case m.opError != nil:
		bar = errorStyle.Render(fmt.Sprintf("operation failed: %v", m.opError))
	case m.opDone:
		bar = m.progress.View() + "  done"
	case m.total > 0:
		bar = m.progress.View() + fmt.Sprintf("  %d/%d bytes", m.transferred, m.total)
	default:
		bar = helpStyle.Render("idle")
	}

	logPane := logViewStyle.Render(m.log.View())

	var notice string
	if m.showCopyNotice {
		notice = copyNoticeStyle.Render(m.copyNotice)
	}

	footer := footerStyle.Render("q: quit   c: copy log   i: copy chip identity")

	parts := []string{header, chip, bar, logPane}
	if notice != "" {
		parts = append(parts, notice)
	}
	parts = append(parts, footer)
	return strings.Join(parts, "\n")
}
