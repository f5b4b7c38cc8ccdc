package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"

	"github.com/wippyai/wasm-tierup/tierup"
)

var (
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))
)

const barWidth = 40

type interactiveModel struct {
	err     error
	sim     *simulation
	sess    *session
	cancel  context.CancelFunc
	opts    options
	spinner spinner.Model
	stats   tierup.Stats
	started time.Time
	elapsed time.Duration
	done    bool
}

func newInteractiveModel(opts options) *interactiveModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = barStyle
	return &interactiveModel{opts: opts, spinner: sp}
}

type startedMsg struct {
	err  error
	sess *session
	sim  *simulation
}

type finishedMsg struct {
	err error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start)
}

func (m *interactiveModel) start() tea.Msg {
	sess, err := openSession(context.Background(), m.opts)
	if err != nil {
		return startedMsg{err: err}
	}
	return startedMsg{sess: sess, sim: newSimulation(sess, m.opts.threads, m.opts.calls)}
}

func (m *interactiveModel) run(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		if err := m.sim.run(ctx); err != nil {
			return finishedMsg{err: err}
		}
		return finishedMsg{err: m.sess.coord.Drain(ctx, 0)}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			if m.sess != nil {
				m.sess.Close(context.Background())
			}
			return m, tea.Quit
		}

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.sess, m.sim = msg.sess, msg.sim
		m.started = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		return m, tea.Batch(m.run(ctx), tick())

	case finishedMsg:
		m.done = true
		m.err = msg.err
		m.elapsed = time.Since(m.started)
		m.stats = m.sess.coord.Stats()
		return m, nil

	case tickMsg:
		if m.done || m.sess == nil {
			return m, nil
		}
		m.stats = m.sess.coord.Stats()
		m.elapsed = time.Since(m.started)
		return m, tick()

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.sim == nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.sim == nil {
		return m.spinner.View() + " Loading module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Tier-up"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString(fmt.Sprintf(" (%s, %d threads)\n\n", m.sess.cfg.Mode, m.sim.threads))

	done, total := m.sim.done.Load(), m.sim.total()
	if !m.done {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(bar(done, total))
	b.WriteString(fmt.Sprintf(" %d/%d calls  %s\n\n", done, total, m.elapsed.Round(time.Millisecond)))

	s := m.stats
	rows := [][2]string{
		{"hooks", fmt.Sprintf("%d prologue  %d back-edge  %d epilogue", s.Prologues, s.BackEdges, s.Epilogues)},
		{"compiles", fmt.Sprintf("%d  (%d sync, %d failed, %d in flight)", s.Compiles, s.SyncCompiles, s.Failures, s.Worklist.InFlight)},
		{"entries", fmt.Sprint(s.Entries)},
		{"transfers", fmt.Sprintf("%d  (%d declined)", s.Transfers, s.Declined)},
		{"traps", fmt.Sprintf("%d  (%d stack overflows)", m.sim.traps.Load(), s.StackOverflows)},
		{"scratch", fmt.Sprintf("%d gets  %d misses  %d declines", s.Scratch.Gets, s.Scratch.Misses, s.Scratch.Declines)},
		{"code", units.BytesSize(float64(m.sess.compiler.Used()))},
		{"variants", fmt.Sprint(m.sess.inst.Registry().Len())},
	}
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("  %-10s %s\n", r[0], valueStyle.Render(r[1])))
	}

	b.WriteString("\n")
	if m.done && m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	}
	if m.done {
		b.WriteString(helpStyle.Render("done • q quit"))
	} else {
		b.WriteString(helpStyle.Render("q stop"))
	}
	return b.String()
}

func bar(done, total int64) string {
	filled := 0
	if total > 0 {
		filled = int(done * barWidth / total)
	}
	if filled > barWidth {
		filled = barWidth
	}
	return barStyle.Render(strings.Repeat("█", filled)) + helpStyle.Render(strings.Repeat("░", barWidth-filled))
}

func runInteractive(opts options) error {
	m := newInteractiveModel(opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	if m.sess != nil && m.cancel != nil {
		m.cancel()
	}
	return err
}
