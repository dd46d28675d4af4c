package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/arenakit/pkg/workload"
)

func newHelper(t *testing.T, frames int) *TestHelper {
	t.Helper()
	cfg := workload.DefaultConfig()
	cfg.Frames = frames
	h, err := NewTestHelper(cfg)
	if err != nil {
		t.Fatalf("NewTestHelper() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	h.SendWindowSize(140, 40)
	return h
}

func TestTickAdvancesFrames(t *testing.T) {
	h := newHelper(t, 0)

	h.Tick(3)
	if got := h.GetModel().engine.Frame(); got != 3 {
		t.Errorf("frame after 3 ticks = %d, want 3", got)
	}

	h.SendKeyRune('+').SendKeyRune('+')
	if got := h.GetModel().speed; got != 4 {
		t.Fatalf("speed = %d, want 4", got)
	}
	h.Tick(1)
	if got := h.GetModel().engine.Frame(); got != 7 {
		t.Errorf("frame after a 4x tick = %d, want 7", got)
	}

	h.SendKeyRune('-')
	if got := h.GetModel().speed; got != 2 {
		t.Errorf("speed after '-' = %d, want 2", got)
	}
}

func TestSpeedLimits(t *testing.T) {
	h := newHelper(t, 0)
	h.SendKeyRune('-')
	if got := h.GetModel().speed; got != 1 {
		t.Errorf("speed below 1: %d", got)
	}
	for range 10 {
		h.SendKeyRune('+')
	}
	if got := h.GetModel().speed; got != maxSpeed {
		t.Errorf("speed = %d, want %d", got, maxSpeed)
	}
}

func TestPauseAndStep(t *testing.T) {
	h := newHelper(t, 0)

	h.SendKeyRune(' ')
	if !h.GetModel().paused {
		t.Fatal("space should pause")
	}
	h.Tick(5)
	if got := h.GetModel().engine.Frame(); got != 0 {
		t.Errorf("paused model advanced to frame %d", got)
	}

	h.SendKeyRune('n').SendKeyRune('n')
	if got := h.GetModel().engine.Frame(); got != 2 {
		t.Errorf("frame after two steps = %d, want 2", got)
	}

	h.SendKeyRune('p')
	if h.GetModel().paused {
		t.Error("p should resume")
	}
}

func TestWorkloadFinishes(t *testing.T) {
	h := newHelper(t, 5)
	h.Tick(10)

	m := h.GetModel()
	if got := m.engine.Frame(); got != 5 {
		t.Errorf("frame = %d, want 5", got)
	}
	if !m.paused {
		t.Error("model should pause when the workload ends")
	}
	if !strings.Contains(m.status, "finished after 5 frames") {
		t.Errorf("status = %q", m.status)
	}
}

func TestTabCyclesAllocators(t *testing.T) {
	h := newHelper(t, 0)
	h.Tick(2)

	var names []string
	for range len(h.GetModel().sys.Allocators()) + 1 {
		names = append(names, h.GetModel().Selected().Name())
		h.SendKey(tea.KeyTab)
	}
	want := []string{"frame", "scratch", "general", "objects", "frame"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("selection order = %v, want %v", names, want)
	}
}

func TestCategoriesFollowSelection(t *testing.T) {
	h := newHelper(t, 0)
	h.Tick(20)
	h.SendKey(tea.KeyTab).SendKey(tea.KeyTab) // general

	m := h.GetModel()
	if m.Selected().Name() != "general" {
		t.Fatalf("selected %s", m.Selected().Name())
	}
	for _, row := range m.cats.Rows() {
		switch row[0] {
		case "texture", "mesh", "audio", "script":
		default:
			t.Errorf("unexpected general category %q", row[0])
		}
	}
	if len(m.cats.Rows()) == 0 {
		t.Error("general allocator has no categories after 20 frames")
	}
}

func TestDefragKey(t *testing.T) {
	h := newHelper(t, 0)
	h.Tick(30)
	h.SendKeyRune('d')

	m := h.GetModel()
	if !strings.HasPrefix(m.status, "defragmented:") {
		t.Errorf("status = %q", m.status)
	}
	if err := m.sys.General().Validate(); err != nil {
		t.Errorf("general allocator invalid after defragment: %v", err)
	}
	h.Tick(5)
	if h.GetModel().err != nil {
		t.Errorf("workload failed after defragment: %v", h.GetModel().err)
	}
}

func TestResetKey(t *testing.T) {
	h := newHelper(t, 0)
	h.Tick(10)
	h.SendKeyRune('r')

	m := h.GetModel()
	if m.engine.Frame() != 0 {
		t.Errorf("frame after reset = %d, want 0", m.engine.Frame())
	}
	if !strings.HasPrefix(m.status, "reset:") {
		t.Errorf("status = %q", m.status)
	}
	for _, a := range m.sys.Allocators() {
		if a.Stats().CurrentUsage != 0 {
			t.Errorf("%s still uses %d bytes after reset", a.Name(), a.Stats().CurrentUsage)
		}
	}
	h.Tick(3)
	if h.GetModel().err != nil {
		t.Errorf("workload failed after reset: %v", h.GetModel().err)
	}
}

func TestCopyKey(t *testing.T) {
	var copied string
	orig := copyReport
	copyReport = func(s string) error {
		copied = s
		return nil
	}
	t.Cleanup(func() { copyReport = orig })

	h := newHelper(t, 0)
	h.Tick(2)
	h.SendKeyRune('c')

	if got := h.GetModel().status; got != "report copied to clipboard" {
		t.Errorf("status = %q", got)
	}
	for _, want := range []string{"Memory Report: frame", "Memory Report: general", "Memory Report: objects"} {
		if !strings.Contains(copied, want) {
			t.Errorf("copied report missing %q", want)
		}
	}
}

func TestHelpToggle(t *testing.T) {
	h := newHelper(t, 0)

	if h.GetModel().showHelp {
		t.Fatal("Help should not be shown initially")
	}
	h.SendKeyRune('?')
	if !h.GetModel().showHelp {
		t.Fatal("Help should be shown after pressing '?'")
	}
	if !strings.Contains(h.GetModel().View(), "Keyboard Shortcuts") {
		t.Error("help overlay not rendered")
	}

	h.SendKeyRune('n')
	if got := h.GetModel().engine.Frame(); got != 0 {
		t.Errorf("keys leaked through the help overlay: frame %d", got)
	}

	h.SendKey(tea.KeyEsc)
	if h.GetModel().showHelp {
		t.Error("Help should be hidden after Esc")
	}
}

func TestQuit(t *testing.T) {
	h := newHelper(t, 0)
	updated, cmd := h.GetModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
	_ = updated
}

func TestView(t *testing.T) {
	h := newHelper(t, 0)
	h.Tick(5)

	view := h.GetModel().View()
	for _, want := range []string{"Arena Monitor", "frame 5", "frame", "scratch", "general", "objects", "Categories: frame", "Pressure events"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	h.SendKeyRune(' ')
	if !strings.Contains(h.GetModel().View(), "PAUSED") {
		t.Error("paused view should say so")
	}
}
