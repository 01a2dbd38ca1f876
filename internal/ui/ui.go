package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
	"github.com/desertthunder/artistsync/internal/status"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	ActiveListView ViewState = iota
	WatchView
)

// StatusSource is what the TUI polls. [tasks.Importer] implements it.
type StatusSource interface {
	Status(ctx context.Context, key models.ImportKey) (models.ImportStatus, error)
	Report(ctx context.Context, key models.ImportKey) (models.RunReport, error)
	Active(ctx context.Context) ([]models.ImportStatus, error)
}

// Options configures a [Model].
type Options struct {
	Key      models.ImportKey // watch this import directly; empty starts on the active list
	Interval time.Duration    // poll interval (default: 500ms)
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	source   StatusSource
	interval time.Duration
	view     ViewState
	fromList bool
	gen      int
	width    int
	height   int
	active   list.Model
	key      models.ImportKey
	status   *models.ImportStatus
	report   *models.RunReport
	err      error
	bar      progress.Model
	spinner  spinner.Model
	help     help.Model
	keys     keyMap
}

// NewModel creates a new TUI model polling source.
func NewModel(ctx context.Context, source StatusSource, opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}

	active := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	active.Title = "Active imports"
	active.SetShowStatusBar(false)

	m := &Model{
		ctx:      ctx,
		source:   source,
		interval: opts.Interval,
		view:     ActiveListView,
		active:   active,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.warn)),
		help:     help.New(),
		keys:     newKeyMap(),
	}
	if opts.Key != "" {
		m.view = WatchView
		m.key = opts.Key
	}
	return m
}

// Init starts polling.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.spinner.Tick)
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.active.SetSize(msg.Width-4, msg.Height-8)
		m.bar.Width = min(max(msg.Width-8, 10), 60)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case Msg:
		return m.handleMsg(msg)
	}

	if m.view == ActiveListView {
		var cmd tea.Cmd
		m.active, cmd = m.active.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgPoll:
		if gen, _ := msg.data.(int); gen != m.gen {
			return m, nil
		}
		return m, m.fetch()

	case MsgActiveFetched:
		data := msg.data.(activeFetched)
		if m.view != ActiveListView {
			return m, nil
		}
		m.err = data.err
		cmd := m.active.SetItems(statusItems(data.statuses))
		return m, tea.Batch(cmd, m.poll())

	case MsgStatusFetched:
		data := msg.data.(statusFetched)
		if m.view != WatchView {
			return m, nil
		}
		if data.err != nil {
			m.err = data.err
			if isNotFound(data.err) {
				return m, nil
			}
			return m, m.poll()
		}
		m.err = nil
		st := data.status
		m.status = &st
		// a provisional key is aliased to the entity key once the artist is resolved
		m.key = st.Key
		if st.Terminal() {
			return m, m.fetchReport(st.Key)
		}
		return m, m.poll()

	case MsgReportFetched:
		data := msg.data.(reportFetched)
		if data.err == nil && m.view == WatchView {
			report := data.report
			m.report = &report
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.quit) {
		return m, tea.Quit
	}

	switch m.view {
	case ActiveListView:
		if m.active.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, m.keys.enter):
			if item, ok := m.active.SelectedItem().(statusItem); ok {
				return m, m.watch(item.status.Key)
			}
			return m, nil
		case key.Matches(msg, m.keys.refresh):
			m.gen++
			return m, m.fetch()
		}

	case WatchView:
		switch {
		case key.Matches(msg, m.keys.back):
			if m.fromList {
				return m, m.back()
			}
			return m, nil
		case key.Matches(msg, m.keys.refresh):
			m.gen++
			return m, m.fetch()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.active, cmd = m.active.Update(msg)
	return m, cmd
}

// watch switches to the watch view for key.
func (m *Model) watch(key models.ImportKey) tea.Cmd {
	m.view = WatchView
	m.fromList = true
	m.key = key
	m.status = nil
	m.report = nil
	m.err = nil
	m.gen++
	return m.fetch()
}

func (m *Model) back() tea.Cmd {
	m.view = ActiveListView
	m.status = nil
	m.report = nil
	m.err = nil
	m.gen++
	return m.fetch()
}

func (m *Model) poll() tea.Cmd {
	gen := m.gen
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg(gen) })
}

func (m *Model) fetch() tea.Cmd {
	ctx, source := m.ctx, m.source
	if m.view == ActiveListView {
		return func() tea.Msg {
			statuses, err := source.Active(ctx)
			return activeFetchedMsg(statuses, err)
		}
	}

	key := m.key
	return func() tea.Msg {
		st, err := source.Status(ctx, key)
		return statusFetchedMsg(st, err)
	}
}

func (m *Model) fetchReport(key models.ImportKey) tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		report, err := source.Report(ctx, key)
		return reportFetchedMsg(report, err)
	}
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case ActiveListView:
		return m.renderActive()
	case WatchView:
		return m.renderWatch()
	default:
		return ""
	}
}

func (m *Model) renderActive() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.enter, m.keys.refresh, m.keys.quit})
	body := m.active.View()
	if len(m.active.Items()) == 0 {
		body = styles.title.Render("Active imports") + "\n" + styles.help.Render("No imports running.")
	}
	if m.err != nil {
		body += "\n\n" + styles.err.Render(fmt.Sprintf("Error: %v", m.err))
	}
	return fmt.Sprintf("%s\n\n%s", body, helpView)
}

func (m *Model) renderWatch() string {
	var b strings.Builder

	b.WriteString(styles.title.Render(fmt.Sprintf("Import %s", m.key)))
	b.WriteString("\n")

	helpKeys := []key.Binding{m.keys.refresh, m.keys.quit}
	if m.fromList {
		helpKeys = []key.Binding{m.keys.back, m.keys.refresh, m.keys.quit}
	}
	helpView := m.help.ShortHelpView(helpKeys)

	if m.status == nil {
		if m.err != nil {
			b.WriteString(styles.err.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(m.spinner.View() + " Loading...")
		}
		return fmt.Sprintf("%s\n\n%s", b.String(), helpView)
	}

	st := m.status
	stage := styles.stage(st.Stage).Render(string(st.Stage))
	if !st.Terminal() {
		stage = m.spinner.View() + " " + stage
	}
	b.WriteString(stage + "\n\n")
	b.WriteString(m.bar.ViewAs(float64(st.Progress)/100) + "\n\n")
	b.WriteString(st.Message + "\n")
	if st.Error != "" && st.Error != st.Message {
		b.WriteString(styles.err.Render(st.Error) + "\n")
	}
	if m.err != nil {
		b.WriteString(styles.warn.Render(fmt.Sprintf("last poll failed: %v", m.err)) + "\n")
	}

	if m.report != nil {
		b.WriteString("\n")
		for _, s := range m.report.Steps {
			line := fmt.Sprintf("%s %s", styles.step(s.State), s.Step)
			if s.Error != "" {
				line += styles.help.Render(" (" + s.Error + ")")
			}
			b.WriteString(line + "\n")
		}
	}

	return fmt.Sprintf("%s\n%s", b.String(), helpView)
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound) || errors.Is(err, status.ErrNotFound)
}
