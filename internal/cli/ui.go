package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/hacklido/labroom/internal/backend"
	"github.com/hacklido/labroom/internal/endpoint"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// field is one "key: value" line of human output. Empty values are skipped.
type field struct {
	Key   string
	Value string
}

// palette styles human output. The zero palette writes plain text.
type palette struct {
	color bool

	title   lipgloss.Style
	icon    lipgloss.Style
	text    lipgloss.Style
	muted   lipgloss.Style
	good    lipgloss.Style
	pending lipgloss.Style
	bad     lipgloss.Style
	idle    lipgloss.Style
}

func newPalette(color bool) palette {
	if !color {
		return palette{}
	}
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI256)
	return palette{
		color:   true,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
		icon:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("220")),
		text:    r.NewStyle().Foreground(lipgloss.Color("252")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("246")),
		good:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		pending: r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		idle:    r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// paletteFor colors output only for terminals, and never when NO_COLOR is set.
func paletteFor(f *os.File) palette {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return palette{}
	}
	return newPalette(isTerminal(f))
}

func (p palette) paint(style lipgloss.Style, value string) string {
	if !p.color || value == "" {
		return value
	}
	return style.Render(value)
}

// statusStyle maps lab session statuses and doctor outcomes onto one scale.
func (p palette) statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "pass":
		return p.good
	case "pending", "starting", "warn":
		return p.pending
	case "error", "fail":
		return p.bad
	default:
		return p.idle
	}
}

func (p palette) status(status string) string {
	return p.paint(p.statusStyle(status), status)
}

func writeFields(w io.Writer, indent string, fields []field, p palette) error {
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", indent, p.paint(p.text, key+": "+value)); err != nil {
			return err
		}
	}
	return nil
}

func renderBanner(title string, fields []field, p palette) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "labroom"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", p.paint(p.icon, "🧪"), p.paint(p.title, title))
	_ = writeFields(&out, "   ", fields, p)
	out.WriteByte('\n')
	return out.String()
}

func renderDoctorReport(report backend.DoctorReport, p palette) string {
	name := strings.TrimSpace(report.Backend)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	out.WriteString(p.paint(p.title, fmt.Sprintf("doctor report (%s)", name)))
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range report.Checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		icon := map[string]string{"pass": "✓", "warn": "!", "fail": "✗"}[status]
		if icon == "" {
			icon = "?"
		}
		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		block := p.paint(p.statusStyle(status), fmt.Sprintf("%s [%s]", icon, status))
		fmt.Fprintf(&out, "%s %s: %s\n", block, checkName, message)
	}

	var enabled []string
	for _, key := range backend.SortedCapabilityKeys(report.Capabilities) {
		if report.Capabilities[key] {
			enabled = append(enabled, key)
		}
	}
	if len(enabled) > 0 {
		fmt.Fprintf(&out, "capabilities: %s\n", strings.Join(enabled, ", "))
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	out.WriteString(p.paint(p.muted, summary))
	out.WriteByte('\n')
	return out.String()
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// styleLogger colors log levels on the same scale as lab statuses.
func styleLogger(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = styles.Key.Foreground(lipgloss.Color("75"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("42"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	if ep.Scheme == "unix" {
		return "unix://" + ep.Address
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.BaseURL
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
