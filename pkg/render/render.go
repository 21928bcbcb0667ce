// Package render formats packets and drive details for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"go-int13/pkg/dap"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Packet lays a packet out like its wire format: offset, width, field
// and value, followed by the derived addresses.
func Packet(p dap.DiskAddressPacket) string {
	rows := []string{
		headerStyle.Render(fmt.Sprintf("%-6s  %-4s  %-17s  %s", "Offset", "Size", "Field", "Value")),
	}
	for _, f := range p.Fields() {
		rows = append(rows, fmt.Sprintf("%s  %s  %s  %s",
			labelStyle.Render(fmt.Sprintf("0x%02X  ", f.Offset)),
			labelStyle.Render(fmt.Sprintf("%-4d", f.Width)),
			fmt.Sprintf("%-17s", f.Name),
			valueStyle.Render(fmt.Sprintf("%#0*x", f.Width*2+2, f.Value)),
		))
	}

	buffer := fmt.Sprintf("%s (linear %#x)", p.Buffer(), p.LinearBuffer())
	if p.UsesFlatBuffer() {
		buffer = fmt.Sprintf("flat %#x", p.FlatBuffer)
	}

	summary := KeyValues([][2]string{
		{"buffer", buffer},
		{"lba", fmt.Sprintf("%d", p.LBA())},
		{"bytes", fmt.Sprintf("%d", p.Len())},
	})

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Disk Address Packet"),
		strings.Join(rows, "\n"),
		"",
		summary,
	))
}

// KeyValues renders aligned "key: value" lines.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}

	lines := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		key := labelStyle.Render(fmt.Sprintf("%-*s", width+1, kv[0]+":"))
		lines = append(lines, key+" "+valueStyle.Render(kv[1]))
	}
	return strings.Join(lines, "\n")
}

// Box frames a titled block.
func Box(title string, body string) string {
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), body))
}
