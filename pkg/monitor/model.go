// Package monitor is the persistent sync indicator TUI: it shows the shared
// sync state, the queued edits and recent batch outcomes, and maps terminal
// focus events to foreground sync triggers.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/crmsync/internal/models"
	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncstate"
)

// Controller is the slice of the trigger the monitor drives.
type Controller interface {
	SyncNow(ctx context.Context) (csync.Report, error)
	SetPaused(ctx context.Context, paused bool) error
	Paused() bool
	Foreground()
}

// Source supplies the lists shown under the indicator.
type Source interface {
	ListOutbox(statuses ...models.OutboxStatus) ([]models.OutboxItem, error)
	GetSyncHistoryTail(limit int) ([]models.SyncHistoryEntry, error)
}

const historyRows = 5

// Model is the Bubble Tea model for the monitor.
type Model struct {
	ctx    context.Context
	ctrl   Controller
	src    Source
	states <-chan syncstate.Snapshot

	Snapshot syncstate.Snapshot
	Items    []models.OutboxItem
	History  []models.SyncHistoryEntry

	Width   int
	Height  int
	Message string
	Err     error
	Busy    bool // a key-triggered action is in flight

	spinner  spinner.Model
	interval time.Duration
}

// NewModel returns a monitor model. states is a syncstate subscription; the
// model reads it until it is closed. interval is the list refresh period.
func NewModel(ctx context.Context, ctrl Controller, src Source, states <-chan syncstate.Snapshot, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		ctx:      ctx,
		ctrl:     ctrl,
		src:      src,
		states:   states,
		spinner:  sp,
		interval: interval,
	}
}

// Init starts the state listener, the spinner and the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForState(m.states), m.fetchData(), tick(m.interval))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		return m, nil

	case tea.FocusMsg:
		m.ctrl.Foreground()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case stateMsg:
		m.Snapshot = syncstate.Snapshot(msg)
		return m, tea.Batch(waitForState(m.states), m.fetchData())

	case stateClosedMsg:
		return m, nil

	case dataMsg:
		m.Err = msg.err
		if msg.err == nil {
			m.Items, m.History = msg.items, msg.history
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchData(), tick(m.interval))

	case syncDoneMsg:
		m.Busy = false
		m.Message = describeSync(msg.report, msg.err)
		return m, m.fetchData()

	case pauseDoneMsg:
		m.Busy = false
		if msg.err != nil {
			m.Message = "pause: " + msg.err.Error()
		} else if msg.paused {
			m.Message = "paused; edits keep queueing"
		} else {
			m.Message = "resumed"
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "r":
		return m, m.fetchData()
	case "s":
		if m.Busy {
			return m, nil
		}
		m.Busy = true
		m.Message = ""
		return m, m.syncNow()
	case "p":
		if m.Busy {
			return m, nil
		}
		m.Busy = true
		return m, m.setPaused(!m.ctrl.Paused())
	}
	return m, nil
}
