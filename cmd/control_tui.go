// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/mhzbridge/pkg/bridge"
	"github.com/Thermoquad/mhzbridge/pkg/mhz19"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	snapshotInterval = 500 * time.Millisecond
	maxLogEntries    = 100
	logHeight        = 8
	listWidth        = 36
)

// Focus states
const (
	focusCommandList = iota
	focusTokenInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// bridgeClient is the part of the bridge the TUI drives.
type bridgeClient interface {
	Do(ctx context.Context, token string) (bridge.Reply, error)
	Snapshot(ctx context.Context) (bridge.Snapshot, error)
}

// commandItem is a sensor command shown in the list
type commandItem struct {
	mhz19.Command
}

func (c commandItem) Title() string       { return c.Name }
func (c commandItem) Description() string { return fmt.Sprintf("0x%02X %s", c.Payload[2], mhz19.CommandName(c.Payload[2])) }
func (c commandItem) FilterValue() string { return c.Name }

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	ctx      context.Context
	bridge   bridgeClient
	connInfo string

	commandList list.Model
	tokenInput  textinput.Model
	focused     int

	snapshot    bridge.Snapshot
	hasSnapshot bool

	log []logEntry

	width          int
	height         int
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type snapshotMsg struct {
	snapshot bridge.Snapshot
	err      error
}

type replyMsg struct {
	token string
	reply bridge.Reply
	err   error
}

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(ctx context.Context, b bridgeClient, connInfo string) controlModel {
	ti := textinput.New()
	ti.Placeholder = "token (empty = status)"
	ti.CharLimit = 64
	ti.Width = 30

	var items []list.Item
	for _, name := range mhz19.DefaultCommands.Names() {
		c, _ := mhz19.DefaultCommands.Lookup(name)
		items = append(items, commandItem{c})
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	commandList := list.New(items, delegate, listWidth, 20)
	commandList.Title = "Commands"
	commandList.SetShowStatusBar(false)
	commandList.SetShowHelp(false)
	commandList.SetFilteringEnabled(false)

	return controlModel{
		ctx:         ctx,
		bridge:      b,
		connInfo:    connInfo,
		commandList: commandList,
		tokenInput:  ti,
		focused:     focusCommandList,
		width:       80,
		height:      24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.snapshotCmd())
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(snapshotInterval, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) snapshotCmd() tea.Cmd {
	return func() tea.Msg {
		s, err := m.bridge.Snapshot(m.ctx)
		return snapshotMsg{snapshot: s, err: err}
	}
}

func (m controlModel) doCmd(token string) tea.Cmd {
	return func() tea.Msg {
		reply, err := m.bridge.Do(m.ctx, token)
		return replyMsg{token: token, reply: reply, err: err}
	}
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.commandList.SetHeight(max(msg.Height-4, 6))

	case controlTickMsg:
		return m, tea.Batch(controlTickCmd(), m.snapshotCmd())

	case snapshotMsg:
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.hasSnapshot = true
		}

	case replyMsg:
		m.handleReply(msg)
		return m, m.snapshotCmd()

	case connectionLostMsg:
		m.connectionLost = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection lost", true)
		}

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected: "+msg.connInfo, false)
	}

	return m, nil
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focused != focusTokenInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		m.toggleFocus()
		return m, nil

	case "enter":
		return m.handleEnter()
	}

	var cmd tea.Cmd
	if m.focused == focusTokenInput {
		m.tokenInput, cmd = m.tokenInput.Update(msg)
	} else {
		m.commandList, cmd = m.commandList.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) toggleFocus() {
	if m.focused == focusCommandList {
		m.focused = focusTokenInput
		m.tokenInput.Focus()
	} else {
		m.focused = focusCommandList
		m.tokenInput.Blur()
	}
}

func (m controlModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.focused == focusTokenInput {
		token := m.tokenInput.Value()
		m.tokenInput.Reset()
		return m, m.doCmd(token)
	}

	item, ok := m.commandList.SelectedItem().(commandItem)
	if !ok {
		return m, nil
	}
	return m, m.doCmd(item.Name)
}

func (m *controlModel) handleReply(msg replyMsg) {
	if msg.err != nil {
		m.addLogEntry(fmt.Sprintf("%q: %v", msg.token, msg.err), true)
		return
	}
	if msg.reply.IsStatus() {
		m.addLogEntry("status "+msg.reply.String(), false)
		return
	}
	if m.connectionLost {
		m.addLogEntry(fmt.Sprintf("%s: not sent, connection lost", msg.reply.Command), true)
		return
	}
	m.addLogEntry(fmt.Sprintf("%s: %s", msg.reply.Command, msg.reply.Message), false)
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.log) > maxLogEntries {
		m.log = m.log[len(m.log)-maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// Rendering
//////////////////////////////////////////////////////////////

var (
	titleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Background(lipgloss.Color("235")).Padding(0, 1)
	headerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle        = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	focusedBoxStyle = boxStyle.BorderForeground(lipgloss.Color("12"))
)

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("MHZBRIDGE CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch Enter=send", connStatus)))
	s.WriteString("\n\n")

	listBox := boxStyle
	inputBox := boxStyle
	if m.focused == focusCommandList {
		listBox = focusedBoxStyle
	} else {
		inputBox = focusedBoxStyle
	}

	left := listBox.Render(m.commandList.View())

	rightWidth := max(m.width-listWidth-8, 30)
	right := lipgloss.JoinVertical(lipgloss.Left,
		boxStyle.Width(rightWidth).Render(m.renderState()),
		boxStyle.Width(rightWidth).Render(m.renderStatistics()),
		inputBox.Width(rightWidth).Render(labelStyle.Render("TOKEN ")+m.tokenInput.View()),
		boxStyle.Width(rightWidth).Render(m.renderLog()),
	)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	return s.String()
}

func (m controlModel) renderState() string {
	var content strings.Builder
	content.WriteString(labelStyle.Render("SENSOR"))
	content.WriteString("\n")

	if !m.hasSnapshot {
		content.WriteString(headerStyle.Render("waiting for bridge"))
		return content.String()
	}

	st := m.snapshot.State
	if st.ReadingAt.IsZero() {
		content.WriteString(headerStyle.Render("no reading yet"))
	} else {
		status := valueStyle.Render(fmt.Sprintf("%d", st.Reading.Status))
		if !st.Reading.Valid() {
			status = warningStyle.Render(fmt.Sprintf("%d (not ready)", st.Reading.Status))
		}
		content.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s  %s",
			labelStyle.Render("CO2:"), valueStyle.Render(fmt.Sprintf("%d ppm", st.Reading.CO2)),
			labelStyle.Render("Temp:"), valueStyle.Render(fmt.Sprintf("%d°C", st.Reading.Temperature)),
			labelStyle.Render("Status:"), status,
			headerStyle.Render(formatAge(st.ReadingAt))))
	}
	content.WriteString("\n")

	if st.SampleAt.IsZero() {
		content.WriteString(headerStyle.Render("no secondary sample yet"))
	} else {
		content.WriteString(fmt.Sprintf("%s %s  %s %s  %s",
			labelStyle.Render("Temp2:"), valueStyle.Render(fmt.Sprintf("%.1f°C", st.Sample.Temperature)),
			labelStyle.Render("Humidity:"), valueStyle.Render(fmt.Sprintf("%.1f%%", st.Sample.Humidity)),
			headerStyle.Render(formatAge(st.SampleAt))))
	}
	return content.String()
}

func (m controlModel) renderStatistics() string {
	stats := m.snapshot.Stats
	var validPercent, errorPercent float64
	if stats.TotalFrames > 0 {
		validPercent = float64(stats.ValidFrames) * 100.0 / float64(stats.TotalFrames)
		totalErrors := stats.ChecksumErrors + stats.MalformedBursts + stats.AnomalousValues
		errorPercent = float64(totalErrors) * 100.0 / float64(stats.TotalFrames)
	}

	errText := valueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	return fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", stats.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		labelStyle.Render("Errors:"), errText,
		labelStyle.Render("Checksum:"), valueStyle.Render(fmt.Sprintf("%d", stats.ChecksumErrors)),
	)
}

func (m controlModel) renderLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	if len(m.log) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
		return s.String()
	}

	start := max(len(m.log)-logHeight, 0)
	for _, entry := range m.log[start:] {
		icon := "i"
		style := warningStyle
		if entry.isError {
			icon = "x"
			style = errorStyle
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n",
			headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message))
	}
	return s.String()
}

// formatAge renders how long ago t was
func formatAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < time.Second {
		return "just now"
	}
	return age.String() + " ago"
}
