package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/ocrbatch/internal/dispatcher"
	prog "github.com/raphaelgruber/ocrbatch/internal/progress"
	"github.com/raphaelgruber/ocrbatch/internal/shutdown"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// useTUI reports whether run should draw the live view.
func useTUI() bool {
	return runTUI && term.IsTerminal(int(os.Stdout.Fd()))
}

// consoleFor picks the console log writer. The live view owns the terminal
// and worker stdout carries the protocol, so both log to the file only.
func consoleFor(cmd *cobra.Command) io.Writer {
	if cmd == workerCmd || (cmd == runCmd && useTUI()) {
		return nil
	}
	return os.Stderr
}

// tickMsg triggers polling the store
type tickMsg time.Time

// reportMsg carries a fresh report
type reportMsg struct {
	report prog.Report
	err    error
}

// runDoneMsg signals that the dispatcher returned
type runDoneMsg struct {
	summary dispatcher.Summary
	err     error
}

// progressModel is the bubbletea model for a running dispatcher.
type progressModel struct {
	reporter *prog.Reporter
	stop     func()
	report   *prog.Report
	progress progress.Model
	theme    Theme
	started  time.Time

	stopping bool
	forced   bool
	done     bool
	summary  dispatcher.Summary
	err      error
}

func newProgressModel(r *prog.Reporter, stop func()) progressModel {
	return progressModel{
		reporter: r,
		stop:     stop,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme:   defaultTheme,
		started: time.Now(),
	}
}

// Init starts polling.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchReport(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.stopping {
				m.forced = true
				return m, tea.Quit
			}
			m.stopping = true
			m.stop()
		}

	case tickMsg:
		return m, m.fetchReport()

	case reportMsg:
		if msg.err == nil {
			m.report = &msg.report
		}
		if m.done {
			return m, tea.Quit
		}
		return m, tickCmd()

	case runDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		// One last poll so the final view shows settled counts
		return m, m.fetchReport()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.report == nil {
		return "Loading corpus statistics...\n"
	}

	r := m.report
	state := "running"
	if m.stopping {
		state = "stopping"
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", state))
	bar := m.progress.ViewAs(r.CompletionPct / 100)
	counts := fmt.Sprintf("%d/%d files", r.Completed, r.Total)

	detail := fmt.Sprintf("%d processing · %d pending · %d failed · %.1f files/min · ETA %s · %s elapsed",
		r.Processing, r.Pending, r.Failed, r.ThroughputPerMinute, r.ETAString(),
		time.Since(m.started).Round(time.Second))

	hint := "Press Ctrl+C to stop after the files in progress"
	if m.stopping {
		hint = "Finishing files in progress. Press Ctrl+C again to exit now"
	}
	return fmt.Sprintf("%s %s %s\n%s\n%s\n", status, bar, counts, detail, m.theme.hintStyle().Render(hint))
}

func (m progressModel) finalView() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("✗ Run failed: %s", m.err)) + "\n"
	}
	if m.summary.StoppedEarly {
		return m.theme.hintStyle().Render("Stopped early, run again to resume.") + "\n"
	}
	return m.theme.completedStyle().Render("✓ Run finished") + "\n"
}

// fetchReport reads statistics off the UI goroutine.
func (m progressModel) fetchReport() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rep, err := m.reporter.Report(ctx)
		return reportMsg{report: rep, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runWithProgressView runs the dispatcher under the live view. The view never
// outlives the dispatcher: it quits only after the run returns, unless the
// user forces an exit.
func runWithProgressView(co *shutdown.Coordinator, d *dispatcher.Dispatcher, reporter *prog.Reporter) (dispatcher.Summary, error) {
	p := tea.NewProgram(newProgressModel(reporter, co.Trigger))

	results := make(chan runDoneMsg, 1)
	go func() {
		sum, err := d.Run(co.Context())
		res := runDoneMsg{summary: sum, err: err}
		results <- res
		p.Send(res)
	}()

	final, err := p.Run()
	if err != nil {
		logger.Error("progress view failed, waiting for run to finish", "error", err)
	}
	if m, ok := final.(progressModel); ok && m.forced {
		logger.Error("forced exit, in-flight files stay processing")
		os.Exit(130)
	}

	res := <-results
	return res.summary, res.err
}
