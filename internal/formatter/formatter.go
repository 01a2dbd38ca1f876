// package formatter renders import statuses, run reports and scheduler jobs for the CLI (JSON, YAML, table, Markdown)
package formatter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/scheduler"
	"github.com/desertthunder/artistsync/internal/shared"
)

// Format selects an output encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatTable    Format = "table"
	FormatMarkdown Format = "markdown"
)

// Formats lists the accepted values for --format.
var Formats = []Format{FormatTable, FormatJSON, FormatYAML, FormatMarkdown}

// ParseFormat converts a flag value into a [Format]. "md" is accepted for Markdown.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case "md":
		return FormatMarkdown, nil
	case FormatJSON, FormatYAML, FormatTable, FormatMarkdown:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", shared.ErrInvalidArgument, s)
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// Statuses writes import statuses.
func Statuses(w io.Writer, f Format, statuses []models.ImportStatus) error {
	if ok, err := encode(w, f, statuses); ok {
		return err
	}

	headers := []string{"Key", "Stage", "Progress", "Message", "Started", "Run"}
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		message := st.Message
		if st.Error != "" && st.Error != st.Message {
			message = fmt.Sprintf("%s (%s)", st.Message, st.Error)
		}
		rows = append(rows, []string{
			string(st.Key),
			string(st.Stage),
			fmt.Sprintf("%d%%", st.Progress),
			message,
			formatTime(&st.StartedAt),
			shortID(st.RunID),
		})
	}
	return render(w, f, "Imports", headers, rows)
}

// Status writes a single import status.
func Status(w io.Writer, f Format, st models.ImportStatus) error {
	if ok, err := encode(w, f, st); ok {
		return err
	}
	return Statuses(w, f, []models.ImportStatus{st})
}

// Report writes a run report with one row per step.
func Report(w io.Writer, f Format, report models.RunReport) error {
	if ok, err := encode(w, f, report); ok {
		return err
	}

	headers := []string{"Step", "State", "Attempts", "Duration", "Detail"}
	rows := make([][]string, 0, len(report.Steps))
	for _, s := range report.Steps {
		rows = append(rows, []string{
			string(s.Step),
			string(s.State),
			strconv.Itoa(s.Attempts),
			formatDuration(s.Duration()),
			stepDetail(s),
		})
	}

	outcome := "succeeded"
	if !report.Success {
		outcome = "failed"
	}
	title := fmt.Sprintf("Import %s %s", report.ImportKey, outcome)
	if report.Identifiers.Name != "" {
		title = fmt.Sprintf("Import of %s (%s) %s", report.Identifiers.Name, report.ImportKey, outcome)
	}
	if err := render(w, f, title, headers, rows); err != nil {
		return err
	}
	if report.Error != "" {
		_, err := fmt.Fprintf(w, "Error: %s\n", report.Error)
		return err
	}
	return nil
}

// Reports writes one summary row per run report.
func Reports(w io.Writer, f Format, reports []models.RunReport) error {
	if ok, err := encode(w, f, reports); ok {
		return err
	}

	headers := []string{"Key", "Artist", "Success", "Steps", "Error"}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		states := make([]string, 0, len(r.Steps))
		for _, s := range r.States() {
			states = append(states, string(s))
		}
		rows = append(rows, []string{
			string(r.ImportKey),
			r.Identifiers.Name,
			strconv.FormatBool(r.Success),
			strings.Join(states, ", "),
			r.Error,
		})
	}
	return render(w, f, "Runs", headers, rows)
}

// Jobs writes scheduler jobs.
func Jobs(w io.Writer, f Format, jobs []scheduler.JobStatus) error {
	if ok, err := encode(w, f, jobs); ok {
		return err
	}

	headers := []string{"Name", "Schedule", "Enabled", "Running", "Last Run", "Next Run", "Last Error"}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.Name,
			j.Schedule,
			strconv.FormatBool(j.Enabled),
			strconv.FormatBool(j.Running),
			formatTime(j.LastRunAt),
			formatTime(j.NextRunAt),
			j.LastError,
		})
	}
	return render(w, f, "Jobs", headers, rows)
}

// Health writes the scheduler health summary.
func Health(w io.Writer, f Format, h scheduler.Health) error {
	if ok, err := encode(w, f, h); ok {
		return err
	}

	headers := []string{"State", "Jobs", "Running", "Last Run", "Last Error"}
	rows := [][]string{{
		string(h.State),
		strconv.Itoa(h.Jobs),
		strconv.Itoa(h.RunningJobCount),
		formatTime(h.LastRunAt),
		h.LastError,
	}}
	return render(w, f, "Scheduler", headers, rows)
}

// encode handles the structured formats. It reports false for the tabular ones.
func encode(w io.Writer, f Format, v any) (bool, error) {
	switch f {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return true, err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func render(w io.Writer, f Format, title string, headers []string, rows [][]string) error {
	var data []byte
	if f == FormatMarkdown {
		data = markdownTable(title, headers, rows)
	} else {
		data = []byte(title + "\n" + textTable(headers, rows) + "\n")
	}
	_, err := w.Write(data)
	return err
}

func textTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func markdownTable(title string, headers []string, rows [][]string) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("## %s\n\n", title))
	if len(rows) == 0 {
		buf.WriteString("_none_\n")
		return buf.Bytes()
	}

	buf.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	buf.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		buf.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return buf.Bytes()
}

func stepDetail(s models.StepResult) string {
	if s.Error != "" {
		return s.Error
	}
	if len(s.Payload) == 0 {
		return ""
	}

	keys := make([]string, 0, len(s.Payload))
	for k := range s.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, s.Payload[k])
	}
	return strings.Join(parts, " ")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
