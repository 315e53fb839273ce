package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/report"
	"github.com/kylemclaren/patrol-tasks/internal/scheduler"
)

// reportDays is how many days back the report view covers
const reportDays = 14

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewReport
	ViewSettings
)

// KeyMap defines keybindings
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Enter    key.Binding
	Finish   key.Binding
	Delete   key.Binding
	All      key.Binding
	Refresh  key.Binding
	Back     key.Binding
	Quit     key.Binding
	Help     key.Binding
	Settings key.Binding
}

var keys = KeyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "analysis")),
	Finish:   key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "finish")),
	Delete:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
	All:      key.NewBinding(key.WithKeys("F"), key.WithHelp("F", "show finished")),
	Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Back:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Finish, k.Delete, k.All, k.Settings, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Finish, k.Delete, k.All},
		{k.Refresh, k.Settings, k.Quit},
	}
}

// Model is the main TUI model
type Model struct {
	db         *db.DB
	analyzer   *analysis.Analyzer
	scheduler  *scheduler.Scheduler
	enterprise string
	now        func() time.Time

	// View state
	currentView View
	width       int
	height      int

	// List view
	tasks           []*db.Task
	table           table.Model
	includeFinished bool
	ticks           int

	// Delete confirmation
	confirmDelete      bool
	deleteTaskID       string
	deleteTaskName     string
	deleteConfirmFocus int // 0 = Yes, 1 = No

	// Search/filter
	searchMode    bool
	searchInput   textinput.Model
	filteredTasks []*db.Task

	spinner spinner.Model

	// Help
	help     help.Model
	showHelp bool

	// Report view
	selectedTask *db.Task
	report       *analysis.Report
	loading      bool
	viewport     viewport.Model
	mdRenderer   *glamour.TermRenderer
	rate         progress.Model

	// Settings view
	radiusInput textinput.Model

	// Status
	statusMsg   string
	statusErr   bool
	statusTimer int
}

// Layout constants
const (
	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4 // Logo + spacing
	footerHeight       = 4 // Help + status
	minTableHeight     = 5
	reportHeaderHeight = 6
	reportFooterHeight = 3
	reloadEvery        = 15 // ticks between task reloads
)

// calculateTableColumns returns column definitions sized for the given width
func calculateTableColumns(width int) []table.Column {
	availableWidth := width - 4
	if availableWidth < minWidth {
		availableWidth = minWidth
	}
	if availableWidth > maxTableWidth {
		availableWidth = maxTableWidth
	}

	// Type, status and checkpoints are short fixed columns
	typeWidth := 13
	statusWidth := 15
	pointsWidth := 6
	remaining := availableWidth - typeWidth - statusWidth - pointsWidth - 12

	titleWidth := remaining * 40 / 100
	scheduleWidth := remaining * 35 / 100
	assignedWidth := remaining * 25 / 100

	if titleWidth < 12 {
		titleWidth = 12
	}
	if scheduleWidth < 15 {
		scheduleWidth = 15
	}
	if assignedWidth < 8 {
		assignedWidth = 8
	}

	return []table.Column{
		{Title: "Title", Width: titleWidth},
		{Title: "Type", Width: typeWidth},
		{Title: "Schedule", Width: scheduleWidth},
		{Title: "Status", Width: statusWidth},
		{Title: "Pts", Width: pointsWidth},
		{Title: "Assigned", Width: assignedWidth},
	}
}

// NewModel creates a new TUI model. enterprise scopes the task list when
// set; sched may be nil.
func NewModel(database *db.DB, sched *scheduler.Scheduler, enterprise string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warningColor)

	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimTextColor).
		BorderBottom(true).
		Bold(true).
		Foreground(accentColor)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(ts)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	searchInput := textinput.New()
	searchInput.Placeholder = "Search tasks..."
	searchInput.CharLimit = 100
	searchInput.Width = 30

	radiusInput := textinput.New()
	radiusInput.Placeholder = "50"
	radiusInput.CharLimit = 8
	radiusInput.Width = 10

	rate := progress.New(
		progress.WithScaledGradient(string(patrolAmber), string(patrolGreen)),
		progress.WithWidth(30),
	)

	return Model{
		db:          database,
		analyzer:    analysis.New(database),
		scheduler:   sched,
		enterprise:  enterprise,
		now:         time.Now,
		spinner:     s,
		help:        h,
		table:       t,
		searchInput: searchInput,
		radiusInput: radiusInput,
		viewport:    viewport.New(80, 20),
		mdRenderer:  renderer,
		rate:        rate,
	}
}

func (m *Model) updateTable() {
	tasksToShow := m.getDisplayTasks()
	if len(tasksToShow) == 0 {
		m.table.SetRows([]table.Row{})
		return
	}

	columns := m.table.Columns()
	titleWidth, scheduleWidth, assignedWidth := 18, 18, 10
	if len(columns) >= 6 {
		titleWidth = columns[0].Width - 2 // leave room for ellipsis
		scheduleWidth = columns[2].Width - 2
		assignedWidth = columns[5].Width - 2
	}

	rows := make([]table.Row, len(tasksToShow))
	for i, task := range tasksToShow {
		assigned := task.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		rows[i] = table.Row{
			truncate(task.Title, titleWidth),
			task.Type.String(),
			truncate(task.Schedule(), scheduleWidth),
			taskStatus(task),
			strconv.Itoa(len(task.Checkpoints)),
			truncate(assigned, assignedWidth),
		}
	}
	m.table.SetRows(rows)
}

// taskStatus describes the cached status of a task for the table
func taskStatus(task *db.Task) string {
	if task.Finished {
		return "■ finished"
	}
	switch task.StatusTask {
	case db.StatusCompleted:
		return "✓ completed"
	case db.StatusMissed:
		return "✗ missed"
	case db.StatusInProgress:
		return "● in progress"
	}
	return "○ pending"
}

func formatUntil(t time.Time, now time.Time) string {
	diff := t.Sub(now)
	if diff < time.Minute {
		return fmt.Sprintf("in %ds", int(diff.Seconds()))
	}
	if diff < time.Hour {
		return fmt.Sprintf("in %dm", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("in %dh %dm", int(diff.Hours()), int(diff.Minutes())%60)
	}
	return t.Format("Jan 02 15:04")
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Messages
type tasksLoadedMsg struct{ tasks []*db.Task }
type taskDeletedMsg struct{ id string }
type taskFinishedMsg struct {
	id       string
	finished bool
}
type reportLoadedMsg struct {
	taskID string
	report *analysis.Report
}
type radiusSavedMsg struct{ radius float64 }
type radiusLoadedMsg struct{ radius float64 }
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadTasks(),
		m.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) loadTasks() tea.Cmd {
	filter := db.TaskFilter{Enterprise: m.enterprise, IncludeFinished: m.includeFinished}
	return func() tea.Msg {
		tasks, err := m.db.ListTasks(context.Background(), filter)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		switch m.currentView {
		case ViewList:
			return m.updateList(msg)
		case ViewReport:
			return m.updateReport(msg)
		case ViewSettings:
			return m.updateSettings(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.table.SetColumns(calculateTableColumns(msg.Width))
		tableWidth := msg.Width - 4
		if tableWidth > maxTableWidth {
			tableWidth = maxTableWidth
		}
		m.table.SetWidth(tableWidth)

		availableHeight := msg.Height - headerHeight - footerHeight - 2 // 2 for app padding
		if availableHeight < minTableHeight {
			availableHeight = minTableHeight
		}
		m.table.SetHeight(availableHeight)
		m.updateTable()

		viewportHeight := msg.Height - reportHeaderHeight - reportFooterHeight - 2
		if viewportHeight < 5 {
			viewportHeight = 5
		}
		m.viewport.Width = msg.Width - 6
		m.viewport.Height = viewportHeight

		m.help.Width = msg.Width

		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-10),
		); err == nil {
			m.mdRenderer = renderer
		}
		if m.report != nil {
			m.viewport.SetContent(m.renderReportContent())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		if m.statusTimer > 0 {
			m.statusTimer--
			if m.statusTimer == 0 {
				m.statusMsg = ""
			}
		}
		m.ticks++
		if m.ticks%reloadEvery == 0 {
			cmds = append(cmds, m.loadTasks())
		}
		cmds = append(cmds, tickCmd())

	case tasksLoadedMsg:
		m.tasks = msg.tasks
		if m.searchMode {
			m.filterTasks()
		}
		m.updateTable()

	case taskDeletedMsg:
		m.setStatus("Task deleted", false)
		cmds = append(cmds, m.loadTasks())

	case taskFinishedMsg:
		if msg.finished {
			m.setStatus("Task finished", false)
		} else {
			m.setStatus("Task reopened", false)
		}
		if m.selectedTask != nil && m.selectedTask.ID == msg.id {
			m.selectedTask.Finished = msg.finished
		}
		cmds = append(cmds, m.loadTasks())

	case reportLoadedMsg:
		if m.selectedTask == nil || m.selectedTask.ID != msg.taskID {
			break
		}
		m.loading = false
		m.report = msg.report
		m.viewport.SetContent(m.renderReportContent())
		m.viewport.GotoTop()

	case radiusLoadedMsg:
		m.radiusInput.SetValue(strconv.FormatFloat(msg.radius, 'f', -1, 64))

	case radiusSavedMsg:
		m.setStatus(fmt.Sprintf("Matching radius saved: %s m", strconv.FormatFloat(msg.radius, 'f', -1, 64)), false)
		m.currentView = ViewList

	case errMsg:
		m.loading = false
		m.setStatus("Error: "+msg.err.Error(), true)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.confirmDelete {
		return m.updateDeleteModal(msg)
	}

	if m.searchMode {
		switch msg.String() {
		case "esc":
			m.searchMode = false
			m.searchInput.SetValue("")
			m.searchInput.Blur()
			m.filteredTasks = nil
			m.updateTable()
			return m, nil
		case "enter":
			// Exit search mode but keep filter
			if m.searchInput.Focused() {
				m.searchInput.Blur()
				return m, nil
			}
		default:
			if m.searchInput.Focused() {
				m.searchInput, cmd = m.searchInput.Update(msg)
				m.filterTasks()
				m.updateTable()
				return m, cmd
			}
		}
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "?":
		m.showHelp = !m.showHelp
		return m, nil
	case "/":
		m.searchMode = true
		m.searchInput.Focus()
		return m, textinput.Blink
	case "r":
		return m, m.loadTasks()
	case "F":
		m.includeFinished = !m.includeFinished
		return m, m.loadTasks()
	case "d":
		if task := m.cursorTask(); task != nil {
			m.confirmDelete = true
			m.deleteTaskID = task.ID
			m.deleteTaskName = task.Title
			m.deleteConfirmFocus = 1 // Default to "No" for safety
		}
		return m, nil
	case "f":
		if task := m.cursorTask(); task != nil {
			return m, m.setFinished(task.ID, !task.Finished)
		}
		return m, nil
	case "enter":
		if task := m.cursorTask(); task != nil {
			m.selectedTask = task
			m.report = nil
			m.loading = true
			m.currentView = ViewReport
			m.viewport.SetContent("")
			return m, tea.Batch(m.loadReport(task), m.spinner.Tick)
		}
		return m, nil
	case "s":
		m.currentView = ViewSettings
		m.radiusInput.Focus()
		return m, tea.Batch(m.loadRadius(), textinput.Blink)
	default:
		if len(m.getDisplayTasks()) > 0 {
			m.table, cmd = m.table.Update(msg)
		}
	}

	return m, cmd
}

func (m *Model) updateDeleteModal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "left", "h":
		m.deleteConfirmFocus = 0
	case "right", "l":
		m.deleteConfirmFocus = 1
	case "tab":
		m.deleteConfirmFocus = (m.deleteConfirmFocus + 1) % 2
	case "y", "Y":
		return m, m.closeDeleteModal(true)
	case "enter":
		return m, m.closeDeleteModal(m.deleteConfirmFocus == 0)
	case "n", "N", "esc":
		return m, m.closeDeleteModal(false)
	}
	return m, nil
}

func (m *Model) closeDeleteModal(confirmed bool) tea.Cmd {
	taskID := m.deleteTaskID
	m.confirmDelete = false
	m.deleteTaskID = ""
	m.deleteTaskName = ""
	m.deleteConfirmFocus = 1
	if !confirmed {
		return nil
	}
	return m.deleteTask(taskID)
}

// cursorTask returns the task under the table cursor
func (m *Model) cursorTask() *db.Task {
	tasks := m.getDisplayTasks()
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(tasks) {
		return nil
	}
	return tasks[idx]
}

// getDisplayTasks returns the tasks currently being displayed (filtered or all)
func (m *Model) getDisplayTasks() []*db.Task {
	if m.searchMode && m.searchInput.Value() != "" {
		return m.filteredTasks
	}
	return m.tasks
}

// filterTasks filters tasks based on search input
func (m *Model) filterTasks() {
	query := strings.ToLower(strings.TrimSpace(m.searchInput.Value()))
	if query == "" {
		m.filteredTasks = m.tasks
		return
	}

	m.filteredTasks = nil
	for _, task := range m.tasks {
		if strings.Contains(strings.ToLower(task.Title), query) ||
			strings.Contains(strings.ToLower(task.AssignedTo), query) {
			m.filteredTasks = append(m.filteredTasks, task)
		}
	}
}

func (m *Model) updateReport(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.String() {
	case "esc", "q":
		m.currentView = ViewList
		m.selectedTask = nil
		m.report = nil
		return m, nil
	case "r":
		m.loading = true
		return m, tea.Batch(m.loadReport(m.selectedTask), m.spinner.Tick)
	case "f":
		return m, m.setFinished(m.selectedTask.ID, !m.selectedTask.Finished)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) updateSettings(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.String() {
	case "esc":
		m.currentView = ViewList
		m.radiusInput.Blur()
		return m, nil
	case "enter", "ctrl+s":
		return m, m.saveRadius()
	}

	m.radiusInput, cmd = m.radiusInput.Update(msg)
	return m, cmd
}

func (m *Model) loadReport(task *db.Task) tea.Cmd {
	now := m.now()
	analyzer := m.analyzer.WithClock(m.now)
	return func() tea.Msg {
		ctx := context.Background()
		plan, err := analyzer.Plan(ctx, task)
		if err != nil {
			return errMsg{err}
		}
		to := plan.Rule.DateAt(now)
		r, err := analyzer.AnalyzeTask(ctx, task, to.AddDays(-(reportDays - 1)), to)
		if err != nil {
			return errMsg{err}
		}
		return reportLoadedMsg{taskID: task.ID, report: r}
	}
}

func (m *Model) loadRadius() tea.Cmd {
	return func() tea.Msg {
		radius, err := m.db.GetMatchRadius(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return radiusLoadedMsg{radius}
	}
}

func (m *Model) saveRadius() tea.Cmd {
	val := strings.TrimSpace(m.radiusInput.Value())
	return func() tea.Msg {
		radius, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errMsg{fmt.Errorf("invalid radius value")}
		}
		if radius <= 0 || radius > 10000 {
			return errMsg{fmt.Errorf("radius must be between 0 and 10000 meters")}
		}
		if err := m.db.SetMatchRadius(context.Background(), radius); err != nil {
			return errMsg{err}
		}
		return radiusSavedMsg{radius: radius}
	}
}

func (m *Model) deleteTask(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.db.DeleteTask(context.Background(), id); err != nil {
			return errMsg{err}
		}
		return taskDeletedMsg{id}
	}
}

func (m *Model) setFinished(id string, finished bool) tea.Cmd {
	return func() tea.Msg {
		if err := m.db.SetFinished(context.Background(), id, finished); err != nil {
			return errMsg{err}
		}
		return taskFinishedMsg{id: id, finished: finished}
	}
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTimer = 5 // 5 seconds
}

func (m Model) View() string {
	var content string

	switch m.currentView {
	case ViewList:
		content = m.renderList()
	case ViewReport:
		content = m.renderReport()
	case ViewSettings:
		content = m.renderSettings()
	}

	baseView := appStyle.Render(content)
	if m.confirmDelete {
		return m.renderDeleteModal()
	}
	return baseView
}

// renderDeleteModal renders a centered confirmation modal
func (m Model) renderDeleteModal() string {
	activeButtonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Padding(0, 3).
		MarginRight(2).
		Bold(true)

	inactiveButtonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#666666")).
		Padding(0, 3).
		MarginRight(2)

	var yesBtn, noBtn string
	if m.deleteConfirmFocus == 0 {
		yesBtn = activeButtonStyle.Render("Yes")
		noBtn = inactiveButtonStyle.Render("No")
	} else {
		yesBtn = inactiveButtonStyle.Render("Yes")
		noBtn = activeButtonStyle.Render("No")
	}

	buttons := lipgloss.JoinHorizontal(lipgloss.Center, yesBtn, noBtn)

	question := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		MarginBottom(1).
		Render(fmt.Sprintf("Delete task '%s'?", m.deleteTaskName))

	hint := subtitleStyle.Render("←/→ to select • enter to confirm • esc to cancel")

	modal := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(errorColor).
		Padding(1, 4).
		Align(lipgloss.Center).
		Render(lipgloss.JoinVertical(lipgloss.Center, question, "", buttons, "", hint))

	return lipgloss.Place(
		m.width,
		m.height,
		lipgloss.Center,
		lipgloss.Center,
		modal,
		lipgloss.WithWhitespaceChars(" "),
	)
}

func (m Model) renderHeader(title string) string {
	logo := logoIcon + " " + logoStyle.Render(title)
	if m.scheduler == nil || m.width == 0 {
		return logo
	}
	next := m.scheduler.NextSweep()
	if next == nil {
		return logo
	}
	sweep := subtitleStyle.Render("next sweep " + formatUntil(*next, m.now()))
	padding := m.width - lipgloss.Width(logo) - lipgloss.Width(sweep) - 4 // app padding
	if padding < 2 {
		padding = 2
	}
	return logo + strings.Repeat(" ", padding) + sweep
}

func (m Model) renderList() string {
	var b strings.Builder

	title := "Patrol Tasks"
	if m.enterprise != "" {
		title += " · " + m.enterprise
	}
	b.WriteString(m.renderHeader(title))
	b.WriteString("\n\n")

	if m.searchMode {
		searchStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)
		b.WriteString(searchStyle.Render("/ " + m.searchInput.View()))
		b.WriteString("\n\n")
	}

	tasksToShow := m.getDisplayTasks()
	if len(m.tasks) == 0 {
		b.WriteString(emptyBoxStyle.Render("No tasks yet\n\nCreate tasks through the API"))
	} else if m.searchMode && len(tasksToShow) == 0 && m.searchInput.Value() != "" {
		b.WriteString(emptyBoxStyle.Render("No tasks match your search\n\nPress 'esc' to clear"))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")

	b.WriteString(m.renderStatus())

	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(keys.FullHelp()))
	} else {
		helpText := m.help.ShortHelpView(keys.ShortHelp())
		helpText += "  " + helpKeyStyle.Render("/") + helpDescStyle.Render(" search")
		b.WriteString(helpText)
	}

	return b.String()
}

func (m Model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.statusErr {
		return errorMsgStyle.Render("✗ "+m.statusMsg) + "\n"
	}
	return successMsgStyle.Render("✓ "+m.statusMsg) + "\n"
}

func (m Model) renderReport() string {
	var b strings.Builder

	b.WriteString(m.renderHeader(m.selectedTask.Title))
	if m.selectedTask.Finished {
		b.WriteString("  ")
		b.WriteString(statusPending.Render("■ finished"))
	}
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("%s · %s · last %d days",
		m.selectedTask.Type, m.selectedTask.Schedule(), reportDays)))
	b.WriteString("\n\n")

	if m.loading {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(statusRunning.Render("Evaluating occurrences..."))
		b.WriteString("\n\n")
	} else if m.report != nil {
		b.WriteString(m.renderRate())
		b.WriteString("\n\n")
		b.WriteString(m.viewport.View())
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderStatus())

	helpText := helpKeyStyle.Render("↑/↓") + helpDescStyle.Render(" scroll • ") +
		helpKeyStyle.Render("f") + helpDescStyle.Render(" finish • ") +
		helpKeyStyle.Render("r") + helpDescStyle.Render(" refresh • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" back")
	b.WriteString(helpText)

	return b.String()
}

// renderRate shows the completion rate of closed occurrences and the
// status of the latest one
func (m Model) renderRate() string {
	tally := m.report.Tally()
	closed := tally[db.StatusCompleted] + tally[db.StatusMissed]

	var b strings.Builder
	b.WriteString(inputLabelStyle.Render("Completion"))
	b.WriteString("  ")
	if closed == 0 {
		b.WriteString(subtitleStyle.Render("no closed occurrences"))
	} else {
		pct := float64(tally[db.StatusCompleted]) / float64(closed)
		b.WriteString(m.rate.ViewAs(pct))
		b.WriteString(fmt.Sprintf("  %d/%d", tally[db.StatusCompleted], closed))
	}

	if n := len(m.report.Occurrences); n > 0 {
		latest := m.report.Occurrences[n-1]
		b.WriteString("   ")
		b.WriteString(subtitleStyle.Render(latest.Occurrence.Date.String()))
		b.WriteString(" ")
		b.WriteString(statusBadge(latest.Status))
	}
	return b.String()
}

func (m Model) renderReportContent() string {
	if m.report == nil {
		return ""
	}
	md := report.Markdown(m.report)
	if m.mdRenderer != nil {
		if rendered, err := m.mdRenderer.Render(md); err == nil {
			return rendered
		}
	}
	return md
}

func (m Model) renderSettings() string {
	var b strings.Builder

	b.WriteString(m.renderHeader("Settings"))
	b.WriteString("\n\n")

	b.WriteString(inputLabelStyle.Render("Matching radius (m)"))
	b.WriteString("  ")
	b.WriteString(subtitleStyle.Render("A sample this close to a checkpoint concludes it"))
	b.WriteString("\n")
	b.WriteString(focusedInputStyle.Render(m.radiusInput.View()))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())

	helpText := helpKeyStyle.Render("enter") + helpDescStyle.Render(" save • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" cancel")
	b.WriteString(helpText)

	return b.String()
}

// Run starts the TUI application
func Run(database *db.DB, sched *scheduler.Scheduler, enterprise string) error {
	m := NewModel(database, sched, enterprise)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
