// Package tui renders the approval listing and runs the interactive
// `steward approval review` screen.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/steward/internal/approval"
)

// Decider is the part of the approval manager the review screen drives.
type Decider interface {
	ListPending(ctx context.Context) ([]approval.Pending, error)
	Decide(ctx context.Context, taskID string, verdict approval.Verdict, reason string) (approval.Outcome, error)
}

type mode int

const (
	modeBrowse mode = iota
	modeReason
)

type loadedMsg struct {
	items []approval.Pending
	err   error
}

type decidedMsg struct {
	outcome approval.Outcome
	err     error
}

type model struct {
	ctx     context.Context
	decider Decider

	items   []approval.Pending
	cursor  int
	detail  bool
	mode    mode
	reason  string
	busy    bool
	status  string
	failed  bool
	decided int
}

func newModel(ctx context.Context, d Decider) model {
	return model{ctx: ctx, decider: d, busy: true}
}

func (m model) load() tea.Cmd {
	return func() tea.Msg {
		items, err := m.decider.ListPending(m.ctx)
		return loadedMsg{items: items, err: err}
	}
}

func (m model) decide(taskID string, verdict approval.Verdict, reason string) tea.Cmd {
	return func() tea.Msg {
		out, err := m.decider.Decide(m.ctx, taskID, verdict, reason)
		return decidedMsg{outcome: out, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return m.load()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadedMsg:
		m.busy = false
		if msg.err != nil {
			m.setStatus("Load failed: "+humanError(msg.err), true)
			return m, nil
		}
		m.items = msg.items
		if m.cursor >= len(m.items) {
			m.cursor = max(len(m.items)-1, 0)
		}
		return m, nil

	case decidedMsg:
		if msg.err != nil {
			m.busy = false
			m.setStatus("Decision failed: "+humanError(msg.err), true)
			return m, m.load()
		}
		m.decided++
		m.setStatus(describeOutcome(msg.outcome), false)
		return m, m.load()

	case tea.KeyMsg:
		if m.mode == modeReason {
			return m.updateReason(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "enter", " ":
		m.detail = !m.detail
	case "g":
		m.busy = true
		return m, m.load()
	case "a":
		if it, ok := m.selected(); ok && !m.busy {
			m.busy = true
			return m, m.decide(it.Task.ID, approval.Approve, "")
		}
	case "r":
		if _, ok := m.selected(); ok && !m.busy {
			m.mode = modeReason
			m.reason = ""
		}
	}
	return m, nil
}

// updateReason collects the optional rejection reason before rejecting.
func (m model) updateReason(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeBrowse
		return m, nil
	case tea.KeyEnter:
		m.mode = modeBrowse
		it, ok := m.selected()
		if !ok {
			return m, nil
		}
		m.busy = true
		return m, m.decide(it.Task.ID, approval.Reject, strings.TrimSpace(m.reason))
	case tea.KeyBackspace:
		if r := []rune(m.reason); len(r) > 0 {
			m.reason = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.reason += " "
	case tea.KeyRunes:
		m.reason += string(msg.Runes)
	}
	return m, nil
}

func (m model) selected() (approval.Pending, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return approval.Pending{}, false
	}
	return m.items[m.cursor], true
}

func (m *model) setStatus(s string, failed bool) {
	m.status = s
	m.failed = failed
}

func describeOutcome(out approval.Outcome) string {
	switch {
	case out.Verdict == approval.Approve:
		return "Approved; task is DONE."
	case out.Escalated:
		return fmt.Sprintf("Rejected; replan limit reached, task FAILED and escalated (%d replans).", out.ReplanCount)
	case out.State != "":
		return fmt.Sprintf("Rejected; task returned to %s for replanning (%d replans).", out.State, out.ReplanCount)
	default:
		return "Rejected."
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Steward · approval review"))
	b.WriteString("\n\n")

	switch {
	case m.busy && len(m.items) == 0:
		b.WriteString(dimStyle.Render("Loading…"))
		b.WriteString("\n")
	case len(m.items) == 0:
		b.WriteString(dimStyle.Render("Nothing awaiting approval."))
		b.WriteString("\n")
	default:
		for i, it := range m.items {
			b.WriteString(pendingLine(it, i == m.cursor))
			b.WriteString("\n")
		}
		if it, ok := m.selected(); ok && m.detail {
			b.WriteString("\n")
			b.WriteString(renderDetail(it))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.mode == modeReason {
		b.WriteString(focusStyle.Render("Reject reason: "))
		b.WriteString(m.reason)
		b.WriteString(dimStyle.Render("█  (enter to reject, esc to cancel)"))
		b.WriteString("\n")
	} else if m.status != "" {
		if m.failed {
			b.WriteString(errStyle.Render(m.status))
		} else {
			b.WriteString(okStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("↑/↓ move · enter details · a approve · r reject · g refresh · q quit"))
	b.WriteString("\n")
	return b.String()
}

// RunReview runs the review screen until the user quits or ctx ends. It
// returns the number of decisions made.
func RunReview(ctx context.Context, d Decider) (int, error) {
	defer restoreTerminal()

	p := tea.NewProgram(newModel(ctx, d))

	type result struct {
		m   tea.Model
		err error
	}
	done := make(chan result, 1)
	go func() {
		final, err := p.Run()
		done <- result{final, err}
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, r.err
		}
		if fm, ok := r.m.(model); ok {
			return fm.decided, nil
		}
		return 0, nil
	}
}
