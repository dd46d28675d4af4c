package main

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/joshuapare/arenakit/pkg/memsys"
	"github.com/joshuapare/arenakit/pkg/workload"
)

// TestHelper provides utilities for testing TUI components
type TestHelper struct {
	model Model
}

// NewTestHelper creates a test helper over a small-budget system
func NewTestHelper(cfg workload.Config) (*TestHelper, error) {
	sys, err := memsys.New(memsys.SmallBudget(), memsys.Options{DetectLeaks: true})
	if err != nil {
		return nil, err
	}
	return &TestHelper{model: NewModel(sys, cfg)}, nil
}

func (h *TestHelper) send(msg tea.Msg) tea.Cmd {
	updated, cmd := h.model.Update(msg)
	h.model = updated.(Model)
	return cmd
}

// SendKey simulates a special key press
func (h *TestHelper) SendKey(keyType tea.KeyType) *TestHelper {
	h.send(tea.KeyMsg{Type: keyType})
	return h
}

// SendKeyRune simulates a character key press
func (h *TestHelper) SendKeyRune(r rune) *TestHelper {
	h.send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	return h
}

// SendWindowSize simulates a window resize
func (h *TestHelper) SendWindowSize(width, height int) *TestHelper {
	h.send(tea.WindowSizeMsg{Width: width, Height: height})
	return h
}

// Tick delivers n ticks without waiting for the timer
func (h *TestHelper) Tick(n int) *TestHelper {
	for range n {
		h.send(tickMsg{})
	}
	return h
}

// GetModel returns the current model
func (h *TestHelper) GetModel() Model {
	return h.model
}

// Close releases the memory system
func (h *TestHelper) Close() error {
	return h.model.Close()
}
