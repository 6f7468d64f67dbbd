package monitor

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/crmsync/internal/models"
	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncstate"
	"github.com/marcus/crmsync/internal/trigger"
)

type (
	stateMsg       syncstate.Snapshot
	stateClosedMsg struct{}
	tickMsg        time.Time
	dataMsg        struct {
		items   []models.OutboxItem
		history []models.SyncHistoryEntry
		err     error
	}
	syncDoneMsg struct {
		report csync.Report
		err    error
	}
	pauseDoneMsg struct {
		paused bool
		err    error
	}
)

func waitForState(ch <-chan syncstate.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return stateClosedMsg{}
		}
		return stateMsg(s)
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchData() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		items, err := src.ListOutbox(models.OutboxPending, models.OutboxSyncing, models.OutboxFailed, models.OutboxDead)
		if err != nil {
			return dataMsg{err: fmt.Errorf("list outbox: %w", err)}
		}
		history, err := src.GetSyncHistoryTail(historyRows)
		if err != nil {
			return dataMsg{err: fmt.Errorf("read history: %w", err)}
		}
		return dataMsg{items: items, history: history}
	}
}

func (m Model) syncNow() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		rep, err := ctrl.SyncNow(ctx)
		return syncDoneMsg{report: rep, err: err}
	}
}

func (m Model) setPaused(paused bool) tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return pauseDoneMsg{paused: paused, err: ctrl.SetPaused(ctx, paused)}
	}
}

// describeSync turns a manual sync result into the status line message.
func describeSync(rep csync.Report, err error) string {
	if errors.Is(err, trigger.ErrPaused) {
		return "paused: press p to resume"
	}
	if err != nil {
		return "sync: " + err.Error()
	}
	switch rep.Outcome {
	case csync.OutcomeBusy:
		return "a sync is already running"
	case csync.OutcomeOffline:
		return "offline: edits stay queued"
	case csync.OutcomeEmpty:
		return "nothing to sync"
	case csync.OutcomeUnauthenticated:
		return "not logged in"
	case csync.OutcomeLocalError:
		return "local store error: " + rep.Err.Error()
	}
	if rep.Failed > 0 {
		return fmt.Sprintf("synced %d of %d, %d failed", rep.Delivered, rep.Selected, rep.Failed)
	}
	return fmt.Sprintf("synced %d edit(s)", rep.Delivered)
}
