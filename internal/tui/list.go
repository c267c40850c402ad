package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/steward/internal/approval"
	"github.com/basket/steward/internal/persistence"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	focusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	expireStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func riskStyle(r persistence.RiskLevel) lipgloss.Style {
	switch r {
	case persistence.RiskLow:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case persistence.RiskMedium:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	}
}

// RenderPending is the styled form of `steward approval list`.
func RenderPending(items []approval.Pending) string {
	if len(items) == 0 {
		return dimStyle.Render("Nothing awaiting approval.") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Awaiting approval (%d)", len(items))))
	b.WriteString("\n\n")
	for _, it := range items {
		b.WriteString(pendingLine(it, false))
		b.WriteString("\n")
	}
	return b.String()
}

func pendingLine(it approval.Pending, focused bool) string {
	risk := riskStyle(it.Plan.RiskLevel).Render(fmt.Sprintf("%-6s", it.Plan.RiskLevel))
	objective := it.Plan.Objective
	if objective == "" {
		objective = "(no objective)"
	}
	head := fmt.Sprintf("%2d. ", it.Index)
	body := itemStyle.Render(truncate(objective, 60))
	if focused {
		head = focusStyle.Render("> " + strings.TrimLeft(head, " "))
		body = focusStyle.Render(truncate(objective, 60))
	}
	meta := dimStyle.Render(fmt.Sprintf("  %s %s · %s ago", it.Task.Source, it.Task.Priority, age(it.Age)))
	line := head + risk + " " + body + meta
	if it.Expired {
		line += " " + expireStyle.Render("[expired]")
	}
	return line
}

func renderDetail(it approval.Pending) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(it.Plan.Objective))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("task %s · replans %d", it.Task.ID, it.Task.ReplanCount)))
	b.WriteString("\n")
	for i, step := range it.Plan.Steps {
		b.WriteString(itemStyle.Render(fmt.Sprintf("%d. %s", i+1, step)))
		b.WriteString("\n")
	}
	if len(it.Plan.Steps) == 0 {
		b.WriteString(dimStyle.Render("(no steps)"))
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
