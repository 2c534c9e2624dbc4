package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NickDunas/tuinnel/internal/model"
	"github.com/NickDunas/tuinnel/internal/util"
)

// Field indices for the tunnel configurator form.
const (
	fieldName = iota
	fieldPort
	fieldSubdomain
	fieldZone
	fieldProtocol
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	name string
	cfg  model.TunnelConfig
}

// newTunnelForm holds all state for the "add tunnel" configurator panel.
type newTunnelForm struct {
	fields   []textinput.Model
	focusIdx int
	errMsg   string
}

func newForm(defaultZone string) *newTunnelForm {
	placeholders := []string{
		"my-api (required)",
		"8080 (required)",
		"my-api (required)",
		defaultZone + " (required)",
		"http (or https)",
	}
	limits := []int{64, 6, 63, 253, 5}

	f := &newTunnelForm{fields: make([]textinput.Model, fieldCount)}
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}
	if defaultZone != "" {
		f.fields[fieldZone].SetValue(defaultZone)
	}
	f.fields[fieldProtocol].SetValue("http")
	f.fields[0].Focus()
	return f
}

func (f *newTunnelForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "enter":
		name, cfg, err := f.build()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{name: name, cfg: cfg}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *newTunnelForm) build() (string, model.TunnelConfig, error) {
	name := strings.TrimSpace(f.fields[fieldName].Value())
	portStr := strings.TrimSpace(f.fields[fieldPort].Value())
	subdomain := strings.TrimSpace(f.fields[fieldSubdomain].Value())
	zone := strings.TrimSpace(f.fields[fieldZone].Value())
	protocol := strings.TrimSpace(f.fields[fieldProtocol].Value())

	if name == "" {
		return "", model.TunnelConfig{}, fmt.Errorf("name is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", model.TunnelConfig{}, fmt.Errorf("port must be a number")
	}
	if err := util.ValidatePort(port); err != nil {
		return "", model.TunnelConfig{}, err
	}
	if err := util.ValidateSubdomainLabel(subdomain); err != nil {
		return "", model.TunnelConfig{}, err
	}
	if zone == "" {
		return "", model.TunnelConfig{}, fmt.Errorf("zone is required")
	}
	if protocol == "" {
		protocol = string(model.ProtocolHTTP)
	}
	if protocol != string(model.ProtocolHTTP) && protocol != string(model.ProtocolHTTPS) {
		return "", model.TunnelConfig{}, fmt.Errorf("protocol must be http or https")
	}

	return name, model.TunnelConfig{Port: port, Subdomain: subdomain, Zone: zone, Protocol: model.Protocol(protocol)}, nil
}

func (f *newTunnelForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	labels := []string{"Name:", "Port:", "Subdomain:", "Zone:", "Protocol:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-12s %s\n", cursor, label, f.fields[i].View()))
	}

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Enter submit | Esc cancel")
	return renderPanel("New Tunnel", b.String(), width, accent)
}
