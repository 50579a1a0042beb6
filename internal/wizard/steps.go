package wizard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Option is one selectable choice.
type Option struct {
	Value string
	Label string
	Hint  string
}

// SelectStep picks one option from a list.
type SelectStep struct {
	id       string
	title    string
	options  []Option
	skipFunc func(State) bool
	styles   Styles
}

// NewSelectStep creates a select step. The answer is the chosen
// option's Value.
func NewSelectStep(id, title string, options []Option) *SelectStep {
	return &SelectStep{id: id, title: title, options: options, styles: DefaultStyles()}
}

// SkipWhen sets the skip predicate.
func (s *SelectStep) SkipWhen(fn func(State) bool) *SelectStep {
	s.skipFunc = fn
	return s
}

func (s *SelectStep) ID() string    { return s.id }
func (s *SelectStep) Title() string { return s.title }

func (s *SelectStep) Skip(state State) bool {
	return s.skipFunc != nil && s.skipFunc(state)
}

func (s *SelectStep) Model(state State) tea.Model {
	cursor := 0
	if prev := state.String(s.id, ""); prev != "" {
		for i, opt := range s.options {
			if opt.Value == prev {
				cursor = i
			}
		}
	}
	return &selectModel{options: s.options, cursor: cursor, chosen: -1, styles: s.styles}
}

func (s *SelectStep) Store(model tea.Model, state State) {
	if m, ok := model.(*selectModel); ok && m.chosen >= 0 {
		state[s.id] = m.options[m.chosen].Value
	}
}

type selectModel struct {
	options []Option
	cursor  int
	chosen  int
	styles  Styles
}

func (m *selectModel) Init() tea.Cmd { return nil }

func (m *selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.options)-1 {
				m.cursor++
			}
		case "enter", " ":
			m.chosen = m.cursor
			return m, done()
		}
	}
	return m, nil
}

func (m *selectModel) View() string {
	var b strings.Builder
	for i, opt := range m.options {
		line := "  " + opt.Label
		if i == m.cursor {
			line = m.styles.Accent.Render("> " + opt.Label)
		}
		if opt.Hint != "" {
			line += " " + m.styles.Help.Render("("+opt.Hint+")")
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + m.styles.Help.Render("up/down: navigate, enter: select"))
	return b.String()
}

// InputStep collects a line of text.
type InputStep struct {
	id          string
	title       string
	placeholder string
	defaultVal  string
	validate    func(string) error
	skipFunc    func(State) bool
	styles      Styles
}

// NewInputStep creates a text input step.
func NewInputStep(id, title string) *InputStep {
	return &InputStep{id: id, title: title, styles: DefaultStyles()}
}

// Placeholder sets the placeholder text.
func (s *InputStep) Placeholder(p string) *InputStep {
	s.placeholder = p
	return s
}

// Default sets the pre-filled value.
func (s *InputStep) Default(v string) *InputStep {
	s.defaultVal = v
	return s
}

// Validate sets the answer validator; a non-nil error keeps the step
// open with the message shown.
func (s *InputStep) Validate(fn func(string) error) *InputStep {
	s.validate = fn
	return s
}

// SkipWhen sets the skip predicate.
func (s *InputStep) SkipWhen(fn func(State) bool) *InputStep {
	s.skipFunc = fn
	return s
}

func (s *InputStep) ID() string    { return s.id }
func (s *InputStep) Title() string { return s.title }

func (s *InputStep) Skip(state State) bool {
	return s.skipFunc != nil && s.skipFunc(state)
}

func (s *InputStep) Model(state State) tea.Model {
	ti := textinput.New()
	ti.Placeholder = s.placeholder
	ti.SetValue(state.String(s.id, s.defaultVal))
	ti.Focus()
	ti.Width = 50
	return &inputModel{input: ti, validate: s.validate, styles: s.styles}
}

func (s *InputStep) Store(model tea.Model, state State) {
	if m, ok := model.(*inputModel); ok {
		state[s.id] = strings.TrimSpace(m.input.Value())
	}
}

type inputModel struct {
	input    textinput.Model
	validate func(string) error
	err      error
	styles   Styles
}

func (m *inputModel) Init() tea.Cmd { return textinput.Blink }

func (m *inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		if m.validate != nil {
			if err := m.validate(strings.TrimSpace(m.input.Value())); err != nil {
				m.err = err
				return m, nil
			}
		}
		return m, done()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *inputModel) View() string {
	out := m.input.View() + "\n\n"
	if m.err != nil {
		out += m.styles.Error.Render("Error: "+m.err.Error()) + "\n"
	}
	out += m.styles.Help.Render("enter: confirm")
	return out
}

// ConfirmStep asks a yes/no question.
type ConfirmStep struct {
	id         string
	title      string
	defaultVal bool
	skipFunc   func(State) bool
	styles     Styles
}

// NewConfirmStep creates a confirmation step defaulting to yes.
func NewConfirmStep(id, title string) *ConfirmStep {
	return &ConfirmStep{id: id, title: title, defaultVal: true, styles: DefaultStyles()}
}

// Default sets the pre-selected answer.
func (s *ConfirmStep) Default(v bool) *ConfirmStep {
	s.defaultVal = v
	return s
}

// SkipWhen sets the skip predicate.
func (s *ConfirmStep) SkipWhen(fn func(State) bool) *ConfirmStep {
	s.skipFunc = fn
	return s
}

func (s *ConfirmStep) ID() string    { return s.id }
func (s *ConfirmStep) Title() string { return s.title }

func (s *ConfirmStep) Skip(state State) bool {
	return s.skipFunc != nil && s.skipFunc(state)
}

func (s *ConfirmStep) Model(state State) tea.Model {
	return &confirmModel{value: state.Bool(s.id, s.defaultVal), styles: s.styles}
}

func (s *ConfirmStep) Store(model tea.Model, state State) {
	if m, ok := model.(*confirmModel); ok {
		state[s.id] = m.value
	}
}

type confirmModel struct {
	value  bool
	styles Styles
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y":
			m.value = true
			return m, done()
		case "n", "N":
			m.value = false
			return m, done()
		case "enter":
			return m, done()
		case "left", "h":
			m.value = true
		case "right", "l":
			m.value = false
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	yes, no := " Yes ", " No "
	if m.value {
		yes = m.styles.Accent.Bold(true).Render("[Yes]")
	} else {
		no = m.styles.Accent.Bold(true).Render("[No]")
	}
	return fmt.Sprintf("%s / %s\n\n%s", yes, no,
		m.styles.Help.Render("y/n: choose, enter: confirm"))
}
