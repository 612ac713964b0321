package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Colors ─────────────────────────────────────────────────────────────────

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	runningColor = color.New(color.FgBlue, color.Bold)
	dimColor     = color.New(color.Faint)
)

// statusText colors a task status for terminal output.
func statusText(t *domain.Task) string {
	switch t.Status {
	case domain.TaskDone:
		return okColor.Sprint(t.Status)
	case domain.TaskRunning:
		return runningColor.Sprintf("%s %d%%", t.Status, t.Progress)
	case domain.TaskFailed:
		if t.Stopped() {
			return warnColor.Sprint("stopped")
		}
		return errorColor.Sprint(t.Status)
	default:
		return dimColor.Sprint(t.Status)
	}
}

// ownerText renders the entity a task belongs to.
func ownerText(o domain.Owner) string {
	var parts []string
	if o.CharacterID != 0 {
		parts = append(parts, fmt.Sprintf("character %d", o.CharacterID))
	}
	if o.SceneID != 0 {
		parts = append(parts, fmt.Sprintf("scene %d", o.SceneID))
	}
	if o.VideoID != 0 {
		parts = append(parts, fmt.Sprintf("video %d", o.VideoID))
	}
	if o.ProjectID != 0 {
		parts = append(parts, fmt.Sprintf("project %d", o.ProjectID))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// printTaskTable writes a task listing. Color codes would break tabwriter
// alignment, so the status column goes last.
func printTaskTable(list []domain.Task) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tOWNER\tCREATED\tDURATION\tSTATUS")
	for i := range list {
		t := &list[i]
		dur := "-"
		if d := t.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Kind, ownerText(t.Owner), formatTime(t.CreatedAt), dur, statusText(t))
	}
	return w.Flush()
}

func printTask(t *domain.Task) {
	fmt.Printf("ID:         %d\n", t.ID)
	fmt.Printf("Kind:       %s\n", t.Kind)
	fmt.Printf("Owner:      %s\n", ownerText(t.Owner))
	fmt.Printf("Status:     %s\n", statusText(t))
	fmt.Printf("Progress:   %d%%\n", t.Progress)
	if t.Status == domain.TaskRunning && t.ETASeconds > 0 {
		fmt.Printf("ETA:        %s\n", formatETA(t.ETASeconds))
	}
	fmt.Printf("Created:    %s\n", formatTime(t.CreatedAt))
	fmt.Printf("Started:    %s\n", formatTime(t.StartedAt))
	fmt.Printf("Completed:  %s\n", formatTime(t.CompletedAt))
	if d := t.Duration(); d > 0 {
		fmt.Printf("Duration:   %s\n", d.Round(time.Millisecond))
	}
	if t.Error != "" {
		fmt.Printf("Error:      %s %s\n", errorColor.Sprint(t.Error), dimColor.Sprintf("(%s)", t.ErrorKind))
	}
	if t.Result != nil {
		data, _ := json.MarshalIndent(t.Result, "            ", "  ")
		fmt.Printf("Result:     %s\n", data)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
