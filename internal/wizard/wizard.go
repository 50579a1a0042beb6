// Package wizard provides the interactive prompt framework behind
// `steward init`. A wizard is a sequence of steps; each step renders a
// Bubbletea model and stores its answer in the shared state.
package wizard

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned when the user aborts the wizard.
var ErrCancelled = errors.New("wizard cancelled")

// State holds the answers collected so far, keyed by step id.
type State map[string]any

// String returns the string answer under key, or def when absent.
func (s State) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns the bool answer under key, or def when absent.
func (s State) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Step is a single wizard screen.
type Step interface {
	// ID keys the step's answer in the state.
	ID() string

	// Title is the header line shown above the step.
	Title() string

	// Skip reports whether the step is irrelevant given earlier answers.
	Skip(state State) bool

	// Model builds the step's Bubbletea model, seeded from state.
	Model(state State) tea.Model

	// Store extracts the answer from the finished model into state.
	Store(model tea.Model, state State)
}

// Styles is the shared wizard styling.
type Styles struct {
	Title    lipgloss.Style
	Progress lipgloss.Style
	Help     lipgloss.Style
	Error    lipgloss.Style
	Accent   lipgloss.Style
}

// DefaultStyles returns the steward wizard styling.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")).MarginBottom(1),
		Progress: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Help:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Accent:   lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
	}
}

// Wizard runs a sequence of steps interactively.
type Wizard struct {
	steps   []Step
	current int
	state   State
	model   tea.Model
	err     error
	styles  Styles
}

// New creates a wizard over the given steps.
func New(steps ...Step) *Wizard {
	return &Wizard{
		steps:  steps,
		state:  make(State),
		styles: DefaultStyles(),
	}
}

// WithState seeds the wizard state (pre-filled answers skip their steps
// only if the step's Skip says so).
func (w *Wizard) WithState(state State) *Wizard {
	w.state = state
	return w
}

// State returns the collected answers.
func (w *Wizard) State() State {
	return w.state
}

// Run executes the wizard on the terminal. Returns ErrCancelled when
// the user aborts.
func (w *Wizard) Run() error {
	w.advance()
	if w.current >= len(w.steps) {
		return nil
	}
	w.model = w.steps[w.current].Model(w.state)

	if _, err := tea.NewProgram(w).Run(); err != nil {
		return fmt.Errorf("wizard: %w", err)
	}
	return w.err
}

// Init implements tea.Model.
func (w *Wizard) Init() tea.Cmd {
	if w.model == nil {
		return nil
	}
	return w.model.Init()
}

// Update implements tea.Model.
func (w *Wizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			w.err = ErrCancelled
			return w, tea.Quit
		}

	case stepDoneMsg:
		w.steps[w.current].Store(w.model, w.state)
		w.current++
		w.advance()

		if w.current >= len(w.steps) {
			return w, tea.Quit
		}
		w.model = w.steps[w.current].Model(w.state)
		return w, w.model.Init()
	}

	if w.model != nil {
		var cmd tea.Cmd
		w.model, cmd = w.model.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View implements tea.Model.
func (w *Wizard) View() string {
	if w.current >= len(w.steps) {
		return ""
	}

	step := w.steps[w.current]
	out := w.styles.Progress.Render(fmt.Sprintf("Step %d of %d", w.current+1, len(w.steps))) + "\n\n"
	out += w.styles.Title.Render(step.Title()) + "\n"
	if w.model != nil {
		out += w.model.View()
	}
	return out
}

// advance skips past steps whose Skip returns true.
func (w *Wizard) advance() {
	for w.current < len(w.steps) && w.steps[w.current].Skip(w.state) {
		w.current++
	}
}

// stepDoneMsg signals that the current step finished.
type stepDoneMsg struct{}

// done returns a command signalling step completion.
func done() tea.Cmd {
	return func() tea.Msg { return stepDoneMsg{} }
}
