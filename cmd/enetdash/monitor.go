package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/shaunagostinho/enetdash/internal/ecu"
	"github.com/shaunagostinho/enetdash/internal/logger"
)

var (
	monitorDemo     bool
	monitorPlain    bool
	monitorLogDir   string
	monitorDebugLog string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show live gauges in the terminal",
	Long: `Connect to the adapter and show both gauges, RPM, timing corrections and
trouble codes in a terminal UI.

Keys: r read codes, c clear codes, p next preset, q quit.

When stdout is not a terminal (or with --plain) one status line is printed
per second instead. --log-dir records CSV logs while monitoring.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorDemo, "demo", false, "Monitor a simulated adapter")
	monitorCmd.Flags().BoolVar(&monitorPlain, "plain", false, "Print status lines instead of the TUI")
	monitorCmd.Flags().StringVar(&monitorLogDir, "log-dir", "", "Write CSV logs to this directory")
	monitorCmd.Flags().StringVar(&monitorDebugLog, "debug-log", "", "Write diagnostic messages to this file while the TUI runs")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	a := cfg.AdapterSettings()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if monitorDemo {
		sim := ecu.NewSimulator()
		if err := sim.Listen("127.0.0.1:0"); err != nil {
			return err
		}
		g.Go(func() error { return sim.Serve(ctx) })
		host, port, err := splitHostPort(sim.Addr())
		if err != nil {
			return err
		}
		a.Address, a.Port = host, port
	}
	if a.Address == "" {
		return exitWith(2, errors.New("no adapter address configured"))
	}

	tui := !monitorPlain && term.IsTerminal(int(os.Stdout.Fd()))
	if tui {
		// log lines would tear the alt screen
		if monitorDebugLog != "" {
			f, err := tea.LogToFile(monitorDebugLog, "enetdash")
			if err != nil {
				return err
			}
			defer f.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	engineCfg := cfg.EngineConfig()
	engine := ecu.New(engineCfg, nil, openDescriber(cfg))
	g.Go(func() error { return engine.Run(ctx) })

	var rec *logger.Logger
	if monitorLogDir != "" {
		lc := cfg.Logging
		lc.Enabled = true
		lc.Path = monitorLogDir
		rec = logger.New(lc)
		defer rec.Close()
	}

	g.Go(func() error {
		connectWithRetry(ctx, engine, a.Address, a.Port, time.Duration(a.ConnectTimeoutMs)*time.Millisecond)
		return nil
	})

	var err error
	if tui {
		err = runTUI(ctx, engine, rec, engineCfg.TickInterval)
	} else {
		err = runPlain(ctx, engine, rec, engineCfg.TickInterval)
	}
	cancel()
	g.Wait()
	return err
}

// runPlain prints a status line every second and records at the poll rate.
func runPlain(ctx context.Context, engine *ecu.Engine, rec *logger.Logger, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var lastPrint time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			snap := engine.Snapshot()
			if rec != nil {
				rec.Record(snap)
			}
			if now.Sub(lastPrint) < time.Second {
				continue
			}
			lastPrint = now
			fmt.Println(statusLine(snap))
		}
	}
}

func statusLine(s ecu.Snapshot) string {
	parts := []string{
		time.Now().Format("15:04:05"),
		s.State.String(),
		formatReading(s.Left.Primary),
		formatReading(s.Right.Primary),
		fmt.Sprintf("rpm=%.0f", s.RPM),
	}
	if s.WorstCylinder >= 0 {
		parts = append(parts, fmt.Sprintf("worst=%.1f@%d", s.WorstCorrection, s.WorstCylinder+1))
	}
	if len(s.DTCs) > 0 {
		parts = append(parts, fmt.Sprintf("dtc=%d", len(s.DTCs)))
	}
	return strings.Join(parts, " ")
}

func formatReading(r ecu.GaugeReading) string {
	if r.Parameter == "" {
		return ""
	}
	if !r.Valid {
		return r.Parameter + "=--"
	}
	prec := 0
	if r.Unit == "bar" {
		prec = 2
	}
	return fmt.Sprintf("%s=%.*f%s", r.Parameter, prec, r.Value, r.Unit)
}

// TUI

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#1F4E79")).Padding(0, 1)
	gaugeStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#39414D")).Padding(0, 2).Width(30)
	valueStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7A8491"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF5350"))
	stateStyles = map[ecu.ConnectionState]lipgloss.Style{
		ecu.Connected:     lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")),
		ecu.BatterySaving: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB300")),
		ecu.Connecting:    lipgloss.NewStyle().Foreground(lipgloss.Color("#29B6F6")),
		ecu.Reconnecting:  lipgloss.NewStyle().Foreground(lipgloss.Color("#29B6F6")),
		ecu.Failed:        errorStyle,
	}
)

type snapshotMsg ecu.Snapshot
type statusMsg string

type monitorModel struct {
	engine *ecu.Engine
	rec    *logger.Logger
	tick   time.Duration

	snap    ecu.Snapshot
	spinner spinner.Model
	status  string
	preset  int
	width   int
}

func runTUI(ctx context.Context, engine *ecu.Engine, rec *logger.Logger, tick time.Duration) error {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	m := monitorModel{engine: engine, rec: rec, tick: tick, spinner: sp, width: 80}

	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m monitorModel) poll() tea.Cmd {
	return tea.Tick(m.tick, func(time.Time) tea.Msg {
		return snapshotMsg(m.engine.Snapshot())
	})
}

// request runs an engine command off the UI goroutine.
func request(label string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			return statusMsg(fmt.Sprintf("%s: %v", label, err))
		}
		return statusMsg(label + " requested")
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, request("read codes", m.engine.ReadDTC)
		case "c":
			return m, request("clear codes", m.engine.ClearDTC)
		case "p":
			names := make([]string, 0, len(m.snap.Layout.Presets))
			for name := range m.snap.Layout.Presets {
				names = append(names, name)
			}
			slices.Sort(names)
			if len(names) == 0 {
				return m, nil
			}
			m.preset = (m.preset + 1) % len(names)
			name := names[m.preset]
			return m, request("preset "+name, func(ctx context.Context) error {
				_, err := m.engine.ApplyPreset(ctx, name)
				return err
			})
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case snapshotMsg:
		m.snap = ecu.Snapshot(msg)
		if m.rec != nil {
			m.rec.Record(m.snap)
		}
		return m, m.poll()

	case statusMsg:
		m.status = string(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m monitorModel) View() string {
	s := m.snap
	var b strings.Builder

	state := s.State.String()
	if st, ok := stateStyles[s.State]; ok {
		state = st.Render(state)
	}
	header := titleStyle.Render("ENETDASH") + " " + state
	if s.State == ecu.Connecting || s.State == ecu.Reconnecting {
		header += " " + m.spinner.View()
	}
	if s.Identity.VIN != "" {
		header += dimStyle.Render(fmt.Sprintf("  %s %s", s.Identity.VIN, s.Identity.Model))
	}
	b.WriteString(header + "\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.gaugeView(s.Left), " ", m.gaugeView(s.Right)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("RPM %s", valueStyle.Render(fmt.Sprintf("%.0f", s.RPM))))
	if s.WorstCylinder >= 0 {
		b.WriteString(fmt.Sprintf("   worst timing %s on cylinder %d",
			valueStyle.Render(fmt.Sprintf("%.1f°", s.WorstCorrection)), s.WorstCylinder+1))
	}
	b.WriteString("\n")
	if len(s.Corrections) > 0 {
		cells := make([]string, len(s.Corrections))
		for i, c := range s.Corrections {
			cells[i] = fmt.Sprintf("%d:%+.1f", i+1, c)
		}
		b.WriteString(dimStyle.Render(strings.Join(cells, "  ")) + "\n")
	}
	b.WriteString("\n")

	switch {
	case s.DTCBusy:
		b.WriteString("DTC " + m.spinner.View() + "\n")
	case len(s.DTCs) == 0:
		b.WriteString("DTC none\n")
	default:
		b.WriteString(errorStyle.Render(fmt.Sprintf("DTC %d", len(s.DTCs))) + "\n")
		for _, r := range s.DTCs {
			b.WriteString(fmt.Sprintf("  %s %s\n", r.Code, dimStyle.Render(r.Description)))
		}
	}

	if m.status != "" {
		b.WriteString("\n" + dimStyle.Render(m.status) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("r read codes · c clear codes · p next preset · q quit"))
	return b.String()
}

func (m monitorModel) gaugeView(g ecu.GaugeSnapshot) string {
	p := g.Primary
	lines := []string{dimStyle.Render(p.Parameter)}
	if p.Valid {
		lines = append(lines,
			valueStyle.Render(strings.TrimPrefix(formatReading(p), p.Parameter+"=")),
			dimStyle.Render(fmt.Sprintf("peak %.1f", p.Peak)))
	} else {
		lines = append(lines, valueStyle.Render("--"), "")
	}
	if g.Secondary.Parameter != "" {
		lines = append(lines, formatReading(g.Secondary))
	}
	return gaugeStyle.Render(strings.Join(lines, "\n"))
}
