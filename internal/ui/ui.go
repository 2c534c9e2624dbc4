// Package ui provides the terminal user interface (TUI) dashboard for
// tuinnel.
//
// The dashboard is built with Bubble Tea (a Go framework for terminal apps
// based on The Elm Architecture) and styled with Lip Gloss. It presents the
// user with:
//
//   - A list of configured tunnels with their current state
//   - A detail panel showing the selected tunnel's configuration
//   - Contextual guidance for available actions
//
// The TUI is the default entry point when tuinnel is run without
// subcommands. It supports the following keyboard interactions:
//
//	j/k or ↑/↓  — Navigate the tunnel list
//	t            — Toggle (start/stop) the selected tunnel
//	n            — Open the new-tunnel configurator
//	d            — Delete the selected tunnel (config + provider resources)
//	/            — Enter filter mode (type to search tunnels by name)
//	r            — Refresh tunnel status
//	?            — Toggle the help panel
//	q / Ctrl+C   — Quit (tunnels keep running in the background)
//
// Architecture notes:
//
// The TUI follows the Elm Architecture (Model-Update-View) enforced by
// Bubble Tea:
//   - Model (dashboardModel): holds all application state (tunnels,
//     selection, etc.)
//   - Update: processes messages (key presses, tick events, window resizes)
//     and returns an updated model plus optional commands.
//   - View: renders the current model state as a string for terminal
//     display.
//
// Unlike an interactive SSH session, a tunnel is a long-running background
// process meant to survive the TUI closing — quitting never stops any
// tunnel. Each command (t, n, d) is dispatched synchronously against the
// shared tunnelsvc.Service and the dashboard reads back a fresh snapshot,
// the same tick-driven refresh pattern the teacher dashboard uses for its
// own tunnel table.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NickDunas/tuinnel/internal/appconfig"
	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/security"
	"github.com/NickDunas/tuinnel/internal/store"
	"github.com/NickDunas/tuinnel/internal/util"
	"github.com/NickDunas/tuinnel/internal/wiring"
)

// tickMsg is a Bubble Tea message emitted by the periodic refresh timer.
// When received in Update(), it triggers a tunnel status snapshot refresh.
type tickMsg time.Time

// statusMsg is a Bubble Tea message used to update the status bar text.
type statusMsg string

// dashboardModel is the central Bubble Tea model for the TUI dashboard.
//
// This struct is intentionally unexported — the only public entry point is
// the Run() function, which creates the model internally and starts the
// Bubble Tea program.
type dashboardModel struct {
	// names is the full, unfiltered, sorted list of configured tunnel names.
	names []string

	// filtered is the subset of names matching the current filter string —
	// what the tunnel list panel actually displays.
	filtered []string

	// sel is the index of the currently selected tunnel in filtered.
	sel int

	filter     string
	filterMode bool
	showHelp   bool
	status     string

	// runtimes holds the most recent snapshot of every tunnel's runtime
	// state, keyed by name. Refreshed on every tick and after any action.
	runtimes map[string]model.TunnelRuntime

	width  int
	height int

	cfg   appconfig.Config
	stack *wiring.Stack

	form *newTunnelForm
}

// initialModel builds the dashboardModel: loads ambient UI settings and
// assembles the full service/orchestrator stack via internal/wiring, the
// same construction internal/cli uses for every subcommand.
func initialModel() dashboardModel {
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Warn("failed to load app config, using defaults", "error", err)
		cfg = appconfig.Default()
	}

	stack, err := wiring.Build()
	if err != nil {
		slog.Warn("failed to build tunnel stack", "error", err)
		stack = &wiring.Stack{}
	}

	m := dashboardModel{cfg: cfg, stack: stack}
	m.reloadNames()
	m.status = "Ready. t to toggle, n new, d delete, / filter, r refresh, ? help, q quit."
	return m
}

// reloadNames refreshes the configured tunnel name list and the runtime
// snapshot from the service.
func (m *dashboardModel) reloadNames() {
	cfg, err := store.Load()
	if err == nil {
		m.stack.Config = cfg
	}
	names := make([]string, 0, len(m.stack.Config.Tunnels))
	for name := range m.stack.Config.Tunnels {
		names = append(names, name)
	}
	sort.Strings(names)
	m.names = names
	m.applyFilter()
	m.refreshSnapshot()
}

func (m *dashboardModel) refreshSnapshot() {
	if m.stack.Service == nil {
		m.runtimes = map[string]model.TunnelRuntime{}
		return
	}
	m.runtimes = m.stack.Service.Snapshot()
}

// applyFilter updates the filtered tunnel list based on the current filter
// string, then clamps the selection index into range.
func (m *dashboardModel) applyFilter() {
	if strings.TrimSpace(m.filter) == "" {
		m.filtered = append([]string(nil), m.names...)
	} else {
		f := strings.ToLower(strings.TrimSpace(m.filter))
		m.filtered = nil
		for _, name := range m.names {
			if strings.Contains(strings.ToLower(name), f) {
				m.filtered = append(m.filtered, name)
			}
		}
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func tickCmd(seconds int) tea.Cmd {
	if seconds <= 0 {
		seconds = util.DefaultRefreshSeconds
	}
	return tea.Tick(time.Duration(seconds)*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.cfg.UI.RefreshSeconds)
}

// Update implements tea.Model.
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refreshSnapshot()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.filterMode {
			switch msg.String() {
			case "enter", "esc":
				m.filterMode = false
				m.applyFilter()
				return m, nil
			case "backspace":
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
				}
				m.applyFilter()
				return m, nil
			default:
				if len(msg.String()) == 1 {
					m.filter += msg.String()
					m.applyFilter()
				}
				return m, nil
			}
		}

		if m.form != nil {
			if msg.String() == "esc" {
				m.form = nil
				m.status = "New tunnel cancelled"
				return m, nil
			}
			result, cmd := m.form.update(msg)
			if result != nil {
				m.handleFormResult(result)
				m.form = nil
			}
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			// Tunnels are background processes meant to outlive the TUI —
			// quitting never stops anything.
			return m, tea.Quit

		case "j", "down":
			if m.sel < len(m.filtered)-1 {
				m.sel++
			}

		case "k", "up":
			if m.sel > 0 {
				m.sel--
			}

		case "/":
			m.filterMode = true
			m.status = "Filter mode: type and press Enter"

		case "?":
			m.showHelp = !m.showHelp

		case "r":
			m.reloadNames()
			m.status = "Refreshed tunnel list and status"

		case "n":
			m.form = newForm(m.stack.Config.DefaultZone)
			m.status = "New tunnel: fill in the fields and press Enter"

		case "t":
			if len(m.filtered) == 0 {
				break
			}
			m.status = m.toggleTunnel(m.filtered[m.sel])
			m.refreshSnapshot()

		case "d":
			if len(m.filtered) == 0 {
				break
			}
			m.status = m.deleteTunnel(m.filtered[m.sel])
			m.reloadNames()
		}

	case statusMsg:
		m.status = string(msg)
	}
	return m, nil
}

// View implements tea.Model.
//
//	┌─────────────────────────────────────────┐
//	│ Header (title, stats, filter, keybinds) │
//	├────────────────────┬────────────────────┤
//	│ Tunnels Panel      │ Details Panel      │  ← side-by-side if width >= 96
//	│ (filterable list)  │ (selected tunnel)  │     otherwise stacked
//	├────────────────────┴────────────────────┤
//	│ Help Panel (if visible)                 │
//	├─────────────────────────────────────────┤
//	│ Status Bar                              │
//	└─────────────────────────────────────────┘
func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Tuinnel Dashboard")
	subhead := fmt.Sprintf("tunnels=%d shown=%d refresh=%ds", len(m.names), len(m.filtered), clampRefresh(m.cfg.UI.RefreshSeconds))

	left := strings.Builder{}
	left.WriteString("j/k to navigate; [C] means connected.\n")
	for i, name := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		mark := " "
		if rt, ok := m.runtimes[name]; ok && rt.State == model.StateConnected {
			mark = "C"
		}
		tc := m.stack.Config.Tunnels[name]
		left.WriteString(fmt.Sprintf("%s[%s] %-20s %s\n", cursor, mark, name, model.PublicURL(tc)))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no tunnels matched)\n")
	}

	detail := strings.Builder{}
	if len(m.filtered) > 0 {
		name := m.filtered[m.sel]
		tc := m.stack.Config.Tunnels[name]
		rt := m.runtimes[name]
		detail.WriteString(fmt.Sprintf("Name: %s\nPort: %d\nURL: %s\nProtocol: %s\n", name, tc.Port, model.PublicURL(tc), tc.Protocol))
		detail.WriteString(fmt.Sprintf("State: %s\nPID: %d\n", util.EmptyDash(string(rt.State)), rt.PID))
		if rt.LastError != "" {
			detail.WriteString("Last error: " + security.RedactMessage(rt.LastError) + "\n")
		}
		detail.WriteString("\nNext steps:\n")
		detail.WriteString(m.guidanceForTunnel(name, rt))
	} else {
		detail.WriteString("Pick a tunnel to view details and actions.\n")
	}

	var main string
	if m.form != nil {
		main = m.form.view(m.renderPanel, m.effectiveWidth())
	} else {
		main = m.renderMainPanels(left.String(), detail.String())
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: t toggle | n new | d delete | / filter | r refresh | ? help | q quit"

	status := m.renderPanel("Status", m.status, m.effectiveWidth(), lipgloss.Color("205"))

	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), m.effectiveWidth(), lipgloss.Color("244"))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		main,
		help,
		status,
	)
}

// Run starts the TUI dashboard as a full-screen terminal application. This
// is the entry point used when tuinnel is invoked without a subcommand.
func Run() error {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) guidanceForTunnel(name string, rt model.TunnelRuntime) string {
	var lines []string
	if rt.State == model.StateConnected || rt.State == model.StateConnecting {
		lines = append(lines, "  - Press t to stop this tunnel.")
		lines = append(lines, fmt.Sprintf("  - Current state: %s (pid=%d).", rt.State, rt.PID))
	} else {
		lines = append(lines, "  - Press t to start this tunnel.")
	}
	lines = append(lines, "  - Press d to delete this tunnel's definition and provider resources.")
	_ = name
	return strings.Join(lines, "\n") + "\n"
}

func (m dashboardModel) renderMainPanels(tunnelsPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Tunnels", tunnelsPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Tunnels", tunnelsPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type text, then Enter.",
		"  New: press n to configure a new tunnel.",
		"  Toggle: t starts or stops the selected tunnel.",
		"  Delete: d removes the tunnel's definition and provider resources.",
		"  Refresh: press r to reload config and runtime snapshot.",
		"  Quit: press q (or Ctrl+C); tunnels keep running in the background.",
	}, "\n")
}

func (m *dashboardModel) toggleTunnel(name string) string {
	ctx := context.Background()
	rt, ok := m.runtimes[name]
	if ok && (rt.State == model.StateConnected || rt.State == model.StateConnecting || rt.State == model.StateRestarting) {
		if err := m.stack.Service.Stop(ctx, name); err != nil {
			return "Stop failed: " + security.UserMessage(err, true)
		}
		return "Tunnel stopped: " + name
	}
	if err := m.stack.Service.Start(ctx, name); err != nil {
		return "Start failed: " + security.UserMessage(err, true)
	}
	return "Tunnel started: " + name
}

func (m *dashboardModel) deleteTunnel(name string) string {
	ctx := context.Background()
	if err := m.stack.Service.Delete(ctx, name); err != nil {
		return "Delete warning: " + security.UserMessage(err, true)
	}
	delete(m.stack.Config.Tunnels, name)
	if err := store.Save(m.stack.Config); err != nil {
		return "Failed to persist removal: " + security.UserMessage(err, true)
	}
	return "Deleted tunnel: " + name
}

// handleFormResult processes a completed new-tunnel form: validates the name
// isn't already taken, persists the definition, and registers it with the
// service.
func (m *dashboardModel) handleFormResult(result *formResult) {
	if _, exists := m.stack.Config.Tunnels[result.name]; exists {
		m.status = fmt.Sprintf("Tunnel %q already exists", result.name)
		return
	}
	if m.stack.Config.Tunnels == nil {
		m.stack.Config.Tunnels = map[string]model.TunnelConfig{}
	}
	m.stack.Config.Tunnels[result.name] = result.cfg
	if err := store.Save(m.stack.Config); err != nil {
		m.status = "Failed to save tunnel: " + security.UserMessage(err, true)
		return
	}
	_ = m.stack.Service.Create(result.name, result.cfg)
	m.reloadNames()
	m.status = fmt.Sprintf("Added tunnel %q", result.name)
}

// effectiveWidth returns the terminal width to use for layout calculations.
func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

// renderPanel creates a styled panel with a colored header, bordered
// content, and the specified width.
func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
