// Package output provides styled terminal output helpers (success, error,
// warning, queue and status formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/gradesync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	modeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	statusStyles = map[models.EntryStatus]lipgloss.Style{
		models.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusSynced:  lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		models.StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Out is where the print helpers write. Tests swap it.
var Out io.Writer = os.Stdout

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Fprintln(Out, successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Fprintln(Out, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Fprintln(Out, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Fprintf(Out, format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(Out, string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeOffline       = "offline"
	ErrCodePending       = "pending_changes"
	ErrCodeRemoteError   = "remote_error"
	ErrCodeDatabaseError = "database_error"
	ErrCodeNotConfigured = "not_configured"
	ErrCodeLocalOnly     = "local_only"
	ErrCodeSyncBusy      = "sync_busy"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
	fmt.Fprintln(Out, string(data))
}

// FormatStatus formats a queue entry status with color
func FormatStatus(s models.EntryStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatMode formats a storage mode
func FormatMode(m models.StorageMode) string {
	return modeStyle.Render(fmt.Sprintf("[%s]", m))
}

// FormatOnline renders the connectivity flag.
func FormatOnline(online bool) string {
	if online {
		return successStyle.Render("online")
	}
	return errorStyle.Render("offline")
}

// FormatEntryShort formats a queue entry on one line:
// id  [status]  add students/s1  retries 2/5  last error
func FormatEntryShort(e *models.SyncQueueEntry) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(e.ID)))
	parts = append(parts, FormatStatus(e.Status))

	target := e.Action
	if e.Kind == models.KindMutation {
		target = fmt.Sprintf("%s %s/%s", e.Action, e.StoreName, entryRecordID(e))
	}
	parts = append(parts, target)

	if e.RetryCount > 0 {
		retries := fmt.Sprintf("retries %d/%d", e.RetryCount, models.MaxRetries)
		if e.Exhausted() {
			retries = errorStyle.Render(retries + " exhausted")
		} else {
			retries = subtleStyle.Render(retries)
		}
		parts = append(parts, retries)
	}
	if e.LastError != "" {
		parts = append(parts, subtleStyle.Render(Truncate(e.LastError, 60)))
	}
	return strings.Join(parts, "  ")
}

func entryRecordID(e *models.SyncQueueEntry) string {
	r, err := models.DecodeRecord(e.Data)
	if err != nil || r.ID() == "" {
		return "?"
	}
	return r.ID()
}

// StatusView is what FormatStorageStatus renders. It mirrors the engine's
// status report without importing the engine.
type StatusView struct {
	Online       bool
	Pending      int
	LastSyncTime *time.Time
	Mode         models.StorageMode
	AutoSync     bool
	SyncInterval int
	Syncing      bool
}

// FormatStorageStatus formats the storage status block.
func FormatStorageStatus(v StatusView) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Storage"))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Mode:       %s\n", FormatMode(v.Mode))
	fmt.Fprintf(&sb, "  Network:    %s\n", FormatOnline(v.Online))
	pending := fmt.Sprintf("%d", v.Pending)
	if v.Pending > 0 {
		pending = warningStyle.Render(pending)
	}
	fmt.Fprintf(&sb, "  Pending:    %s\n", pending)

	auto := "off"
	if v.AutoSync {
		auto = fmt.Sprintf("every %d min", v.SyncInterval)
	}
	fmt.Fprintf(&sb, "  Auto-sync:  %s\n", auto)

	last := "never"
	if v.LastSyncTime != nil {
		last = FormatTimeAgo(*v.LastSyncTime)
	}
	fmt.Fprintf(&sb, "  Last sync:  %s\n", last)
	if v.Syncing {
		sb.WriteString(subtleStyle.Render("  (sync in progress)"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// ShortID shortens a uuid to its last 8 characters. The leading part of a
// v7 id is a timestamp and repeats across entries queued together.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// Truncate cuts s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nQUEUE:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
