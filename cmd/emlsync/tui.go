package main

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/emlsync/internal/uploader"
)

type tickMsg time.Time
type doneMsg struct{}
type itemMsg uploader.Event

type uploadModel struct {
	total    int
	done     int
	failed   int
	lastPath string
	spinner  spinner.Model
	bar      progress.Model
	finished bool
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
	started  time.Time
}

func newUploadModel(total int) *uploadModel {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &uploadModel{total: total, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *uploadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *uploadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case itemMsg:
		ev := uploader.Event(msg)
		m.done = ev.Done
		m.lastPath = ev.Path
		if ev.Type == uploader.EventItemFailed {
			m.failed++
		}
		return m, m.spinner.Tick
	case tickMsg:
		m.observeRate(time.Time(msg))
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *uploadModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Emlsync")
	s := title + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	s += fmt.Sprintf("%s Uploading %d/%d   %s\n", m.spinner.View(), m.done, m.total, m.eta())
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.lastPath != "" {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(m.lastPath) + "\n"
	}
	if m.failed > 0 {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(fmt.Sprintf("%d failed, see the ledger", m.failed)) + "\n"
	}
	return s
}

// eta estimates remaining time from the smoothed rate, falling back to the
// whole-run average when the EMA has not warmed up yet.
func (m *uploadModel) eta() string {
	if m.total == 0 || m.done == 0 {
		return "ETA --"
	}
	remaining := m.total - m.done
	if remaining <= 0 {
		return "ETA 0s"
	}
	rate := m.emaRate
	if rate <= 0.01 {
		rate = float64(m.done) / time.Since(m.started).Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	d := time.Duration(float64(remaining)/rate) * time.Second
	switch {
	case d > 99*time.Hour:
		return "ETA >99h"
	case d < time.Second:
		return "ETA <1s"
	}
	return "ETA " + d.String()
}

// observeRate folds the progress made since the previous tick into emaRate,
// weighting by elapsed time so uneven tick spacing keeps a ~3s half-life.
func (m *uploadModel) observeRate(now time.Time) {
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	alpha := 1 - math.Exp(-math.Ln2*dt/3)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.done
	m.lastAt = now
}

// runUploadTUI displays a progress UI driven by the uploader's event channel.
// The upload loop itself runs elsewhere; this only renders.
func runUploadTUI(total int, events <-chan uploader.Event) {
	m := newUploadModel(total)
	p := tea.NewProgram(m)
	go func() {
		for ev := range events {
			switch ev.Type {
			case uploader.EventItemDone, uploader.EventItemFailed:
				p.Send(itemMsg(ev))
			}
		}
		p.Send(doneMsg{})
	}()
	if _, err := p.Run(); err != nil {
		// Fallback: no TUI, just drain events
		fmt.Println("TUI failed:", err)
		for range events {
		}
	}
}
