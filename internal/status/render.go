package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/steamboost/internal/account"
)

// Renderer renders a snapshot into an output string.
type Renderer interface {
	Render(snap Snapshot) string
}

// RenderFormat identifies supported output formats.
type RenderFormat string

const (
	RenderTable RenderFormat = "table"
	RenderBrief RenderFormat = "brief"
	RenderJSON  RenderFormat = "json"
)

// NewRenderer returns the renderer for format.
func NewRenderer(format RenderFormat) (Renderer, error) {
	switch format {
	case RenderTable, "":
		return NewTableRenderer(), nil
	case RenderBrief:
		return NewBriefRenderer(), nil
	case RenderJSON:
		return NewJSONRenderer(true), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want table, brief or json)", format)
	}
}

// TableRenderer renders a human-friendly table.
type TableRenderer struct {
	// ErrorWidth truncates the last error column.
	ErrorWidth int
	Now        func() time.Time
}

// BriefRenderer renders a compact one-line summary.
type BriefRenderer struct {
	Separator string
}

// JSONRenderer renders machine-readable JSON.
type JSONRenderer struct {
	Pretty bool
}

// NewTableRenderer creates a TableRenderer with default settings.
func NewTableRenderer() *TableRenderer {
	return &TableRenderer{ErrorWidth: 40, Now: time.Now}
}

// NewBriefRenderer creates a BriefRenderer with default settings.
func NewBriefRenderer() *BriefRenderer {
	return &BriefRenderer{Separator: " "}
}

// NewJSONRenderer creates a JSONRenderer.
func NewJSONRenderer(pretty bool) *JSONRenderer {
	return &JSONRenderer{Pretty: pretty}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	stateStyles = map[account.State]lipgloss.Style{
		account.StateOnline:            lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		account.StateConnecting:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		account.StateAwaitingChallenge: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		account.StateError:             lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		account.StateOffline:           lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

func stateLabel(state account.State) string {
	switch state {
	case account.StateAwaitingChallenge:
		return "steam guard"
	case "":
		return string(account.StateOffline)
	default:
		return string(state)
	}
}

// Render implements Renderer.
func (r *TableRenderer) Render(snap Snapshot) string {
	views := snap.Views()
	if len(views) == 0 {
		return "No accounts configured.\n"
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.ID,
			v.DisplayName,
			stateLabel(v.ConnectionState),
			formatMinutes(v.AccruedUsage),
			formatMinutes(v.CurrentUsage),
			retryColumn(v, now),
			ansi.Truncate(lastError(v), r.ErrorWidth, "..."),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "NAME", "STATE", "ACCRUED", "TOTAL", "RETRY", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(views) {
				if st, ok := stateStyles[views[row].ConnectionState]; ok {
					return st.Padding(0, 1)
				}
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(t.String())
	b.WriteString("\n")
	b.WriteString(summaryLine(snap))
	b.WriteString(fmt.Sprintf("  (updated %s)\n", formatUpdatedAt(snap.GeneratedAt)))
	return b.String()
}

// Render implements Renderer.
func (r *BriefRenderer) Render(snap Snapshot) string {
	views := snap.Views()
	if len(views) == 0 {
		return "no accounts"
	}
	sep := r.Separator
	if sep == "" {
		sep = " "
	}
	parts := make([]string, 0, len(views)+1)
	parts = append(parts, fmt.Sprintf("%d/%d online", snap.Counts()[account.StateOnline], len(views)))
	for _, v := range views {
		parts = append(parts, fmt.Sprintf("%s:%s", v.ID, briefState(v.ConnectionState)))
	}
	return strings.Join(parts, sep)
}

// Render implements Renderer.
func (r *JSONRenderer) Render(snap Snapshot) string {
	var (
		data []byte
		err  error
	)
	if r.Pretty {
		data, err = json.MarshalIndent(snap, "", "  ")
	} else {
		data, err = json.Marshal(snap)
	}
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

func summaryLine(snap Snapshot) string {
	counts := snap.Counts()
	return fmt.Sprintf("%d online, %d connecting, %d awaiting code, %d error, %d offline",
		counts[account.StateOnline],
		counts[account.StateConnecting],
		counts[account.StateAwaitingChallenge],
		counts[account.StateError],
		counts[account.StateOffline])
}

func briefState(state account.State) string {
	switch state {
	case account.StateOnline:
		return "ON"
	case account.StateConnecting:
		return "..."
	case account.StateAwaitingChallenge:
		return "CODE"
	case account.StateError:
		return "ERR"
	default:
		return "OFF"
	}
}

func retryColumn(v AccountView, now time.Time) string {
	if v.CooldownUntil == nil {
		if v.RetryAttempts > 0 {
			return fmt.Sprintf("#%d", v.RetryAttempts)
		}
		return "-"
	}
	return fmt.Sprintf("#%d in %s", v.RetryAttempts, formatDuration(v.CooldownUntil.Sub(now)))
}

func lastError(v AccountView) string {
	if v.LastError == nil {
		return ""
	}
	return *v.LastError
}

func formatUpdatedAt(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("15:04:05")
}

// formatMinutes renders a minute count as hours and minutes.
func formatMinutes(minutes int64) string {
	if minutes <= 0 {
		return "0m"
	}
	h, m := minutes/60, minutes%60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

// formatDuration formats a duration for display in a compact form.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, mins)
}
