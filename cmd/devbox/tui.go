package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Padding(0, 1)

	urlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5599FF")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)

	hotkeysStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#555555")).
			Padding(0, 1)
)

// maxOutput bounds the terminal scrollback kept by the TUI.
const maxOutput = 512 * 1024

type phase int

const (
	phaseWriting phase = iota
	phaseInstalling
	phaseStarting
	phaseReady
	phaseFailed
	phaseExited
)

func (p phase) String() string {
	switch p {
	case phaseWriting:
		return "Writing files"
	case phaseInstalling:
		return "Installing dependencies"
	case phaseStarting:
		return "Starting dev server"
	case phaseReady:
		return "Ready"
	case phaseFailed:
		return "Failed"
	case phaseExited:
		return "Dev server exited"
	}
	return "Unknown"
}

func (p phase) busy() bool { return p < phaseReady }

type outputMsg []byte
type phaseMsg phase
type readyMsg struct{ url string }
type failedMsg struct{ err error }
type exitedMsg struct{ code int }
type tickMsg time.Time

type upModel struct {
	title    string
	viewport viewport.Model
	spinner  spinner.Model
	output   *bytes.Buffer
	received uint64
	started  time.Time

	phase phase
	url   string
	err   error
	code  int

	width  int
	height int
}

func newUpModel(title string) upModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	vp := viewport.New(80, 20)
	return upModel{
		title:    title,
		viewport: vp,
		spinner:  sp,
		output:   &bytes.Buffer{},
		started:  time.Now(),
	}
}

func (m upModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m upModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		// Title, status line, hotkeys.
		m.viewport.Height = max(msg.Height-4, 0)
		m.viewport.YPosition = 1
		m.refresh()
	case outputMsg:
		m.received += uint64(len(msg))
		m.appendOutput(msg)
		m.refresh()
	case phaseMsg:
		m.phase = phase(msg)
	case readyMsg:
		m.phase = phaseReady
		m.url = msg.url
	case failedMsg:
		m.phase = phaseFailed
		m.err = msg.err
	case exitedMsg:
		if m.phase != phaseFailed {
			m.phase = phaseExited
		}
		m.code = msg.code
	case tickMsg:
		cmds = append(cmds, tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)
	return m, tea.Batch(cmds...)
}

// appendOutput adds a chunk of terminal output, dropping the oldest lines
// beyond maxOutput.
func (m *upModel) appendOutput(chunk []byte) {
	m.output.Write(bytes.ReplaceAll(chunk, []byte("\r\n"), []byte("\n")))
	if m.output.Len() <= maxOutput {
		return
	}
	data := m.output.Bytes()
	cut := len(data) - maxOutput
	if i := bytes.IndexByte(data[cut:], '\n'); i >= 0 {
		cut += i + 1
	}
	rest := append([]byte(nil), data[cut:]...)
	m.output.Reset()
	m.output.Write(rest)
}

func (m *upModel) refresh() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.output.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m upModel) status() string {
	var b strings.Builder
	if m.phase.busy() {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(m.phase.String())
	switch {
	case m.phase == phaseReady:
		b.WriteString(" at ")
		b.WriteString(urlStyle.Render(m.url))
	case m.phase == phaseExited:
		fmt.Fprintf(&b, " (exit code %d)", m.code)
	}
	fmt.Fprintf(&b, " · %s received · %s elapsed",
		humanize.Bytes(m.received), time.Since(m.started).Round(time.Second))
	return statusStyle.Render(b.String())
}

func (m upModel) View() string {
	title := "devbox"
	if m.title != "" {
		title += " · " + m.title
	}
	parts := []string{titleStyle.Render(title), m.viewport.View(), m.status()}
	if m.err != nil {
		parts = append(parts, errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err)))
	} else {
		parts = append(parts, hotkeysStyle.Render("↑/↓ scroll · q quit (stops the dev server)"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
