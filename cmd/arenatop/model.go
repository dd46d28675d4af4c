package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/cmd/arenatop/logger"
	"github.com/joshuapare/arenakit/monitor"
	"github.com/joshuapare/arenakit/pkg/memsys"
	"github.com/joshuapare/arenakit/pkg/workload"
)

const (
	tickInterval = time.Second / 30
	maxSpeed     = 64
	maxEvents    = 6
)

// tickMsg advances the simulation while it is running.
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// eventLog collects pressure events from the monitor. It is shared by every
// copy of Model.
type eventLog struct {
	events []alloc.PressureEvent
	total  int
}

func (l *eventLog) add(ev alloc.PressureEvent) {
	l.total++
	l.events = append(l.events, ev)
	if len(l.events) > maxEvents {
		l.events = l.events[len(l.events)-maxEvents:]
	}
}

// copyReport writes text to the system clipboard. Tests replace it.
var copyReport = clipboard.WriteAll

// Model is the main application model
type Model struct {
	sys    *memsys.System
	mon    *monitor.Monitor
	log    *eventLog
	cfg    workload.Config
	engine *workload.Engine

	keys  KeyMap
	help  help.Model
	bar   progress.Model
	cats  table.Model
	print *message.Printer

	selected int
	paused   bool
	speed    int // frames per tick
	showHelp bool
	status   string
	err      error

	width  int
	height int
}

// NewModel creates the model over sys and registers a monitor on every
// allocator. cfg.Frames of zero runs the workload until quit.
func NewModel(sys *memsys.System, cfg workload.Config) Model {
	events := &eventLog{}
	mon := monitor.New(monitor.Options{Logger: logger.L})
	mon.Subscribe(func(_ context.Context, ev alloc.PressureEvent) {
		events.add(ev)
	})
	sys.Watch(mon)

	cats := table.New(
		table.WithColumns([]table.Column{
			{Title: "Tag", Width: 16},
			{Title: "Allocated", Width: 14},
			{Title: "Peak", Width: 14},
			{Title: "Count", Width: 10},
		}),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Foreground(primaryColor).Bold(true)
	cats.SetStyles(styles)

	m := Model{
		sys:    sys,
		mon:    mon,
		log:    events,
		cfg:    cfg,
		engine: workload.New(sys, cfg, logger.L),
		keys:   DefaultKeyMap(),
		help:   help.New(),
		bar:    progress.New(progress.WithSolidFill(string(successColor)), progress.WithWidth(30)),
		cats:   cats,
		print:  message.NewPrinter(language.English),
		speed:  1,
	}
	m.refresh()
	return m
}

// Init starts the tick loop.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(10, msg.Width-60)
		return m, nil

	case tickMsg:
		if !m.paused && m.err == nil {
			m.advance(m.speed)
		}
		return m, tick()

	case tea.KeyMsg:
		if m.showHelp {
			if key.Matches(msg, m.keys.Esc) || key.Matches(msg, m.keys.Help) {
				m.showHelp = false
				return m, nil
			}
			if key.Matches(msg, m.keys.Quit) {
				return m, tea.Quit
			}
			return m, nil
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true

	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if m.paused {
			m.status = "paused"
		} else {
			m.status = "running"
		}

	case key.Matches(msg, m.keys.Step):
		if m.err == nil {
			m.advance(1)
		}

	case key.Matches(msg, m.keys.Faster):
		m.speed = min(m.speed*2, maxSpeed)
		m.status = fmt.Sprintf("%d frame(s) per tick", m.speed)

	case key.Matches(msg, m.keys.Slower):
		m.speed = max(m.speed/2, 1)
		m.status = fmt.Sprintf("%d frame(s) per tick", m.speed)

	case key.Matches(msg, m.keys.Next):
		m.selected = (m.selected + 1) % len(m.sys.Allocators())
		m.refresh()

	case key.Matches(msg, m.keys.Defrag):
		moved := m.sys.General().Defragment()
		m.status = fmt.Sprintf("defragmented: %d block(s) moved", moved)
		logger.Info("manual defragment", "moved", moved)
		m.refresh()

	case key.Matches(msg, m.keys.Reset):
		m.reset()

	case key.Matches(msg, m.keys.Copy):
		var sb strings.Builder
		if err := m.sys.Report(&sb); err != nil {
			m.status = "report failed: " + err.Error()
			break
		}
		if err := copyReport(sb.String()); err != nil {
			m.status = "copy failed: " + err.Error()
			logger.Warn("clipboard write failed", "error", err)
			break
		}
		m.status = "report copied to clipboard"
	}
	return m, nil
}

// advance plays up to n frames and processes the pressure events they
// raised. A workload error stops the simulation.
func (m *Model) advance(n int) {
	for range n {
		if m.cfg.Frames > 0 && m.engine.Frame() >= m.cfg.Frames {
			m.paused = true
			m.status = fmt.Sprintf("workload finished after %d frames", m.engine.Frame())
			break
		}
		if err := m.engine.Step(); err != nil {
			m.err = err
			logger.Error("workload step failed", "error", err)
			break
		}
	}
	m.mon.Drain(context.Background())
	m.refresh()
}

// reset releases everything, reports the leak count and restarts the
// workload from its first frame.
func (m *Model) reset() {
	leaks := m.sys.Reset()
	bytes := 0
	for _, r := range leaks {
		bytes += r.TotalBytes
		logger.Info("leaks at reset", "allocator", r.Allocator, "bytes", r.TotalBytes, "tags", r.Tags())
	}
	m.engine = workload.New(m.sys, m.cfg, logger.L)
	m.err = nil
	m.log.events = nil
	if len(leaks) == 0 {
		m.status = "reset: no leaks"
	} else {
		m.status = m.print.Sprintf("reset: %d allocator(s) leaked %d bytes", len(leaks), bytes)
	}
	m.refresh()
}

// refresh rebuilds the category table for the selected allocator.
func (m *Model) refresh() {
	a := m.sys.Allocators()[m.selected]
	var rows []table.Row
	if cl, ok := a.(alloc.CategoryLister); ok {
		for _, c := range cl.Categories() {
			rows = append(rows, table.Row{
				c.Name,
				m.print.Sprintf("%d", c.Allocated),
				m.print.Sprintf("%d", c.Peak),
				m.print.Sprintf("%d", c.AllocationCount),
			})
		}
	}
	m.cats.SetRows(rows)
}

// Selected returns the allocator whose categories are shown.
func (m Model) Selected() alloc.Allocator {
	return m.sys.Allocators()[m.selected]
}

// Close releases the memory system.
func (m Model) Close() error {
	return m.sys.Close()
}
