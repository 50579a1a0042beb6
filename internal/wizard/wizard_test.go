package wizard

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func TestSelectStep_StoresChosenValue(t *testing.T) {
	step := NewSelectStep("provider", "Board provider", []Option{
		{Value: "github", Label: "GitHub"},
		{Value: "jira", Label: "Jira"},
	})

	state := make(State)
	model := step.Model(state)

	model, _ = model.Update(key("down"))
	model, cmd := model.Update(key("enter"))
	require.NotNil(t, cmd, "enter should complete the step")

	step.Store(model, state)
	assert.Equal(t, "jira", state["provider"])
}

func TestSelectStep_CursorSeededFromState(t *testing.T) {
	step := NewSelectStep("provider", "Board provider", []Option{
		{Value: "github", Label: "GitHub"},
		{Value: "jira", Label: "Jira"},
	})

	model := step.Model(State{"provider": "jira"}).(*selectModel)
	assert.Equal(t, 1, model.cursor)
}

func TestInputStep_ValidationBlocksCompletion(t *testing.T) {
	step := NewInputStep("board_id", "Board id").
		Validate(func(v string) error {
			if v == "" {
				return errors.New("required")
			}
			return nil
		})

	state := make(State)
	model := step.Model(state)

	model, cmd := model.Update(key("enter"))
	assert.Nil(t, cmd, "empty input should not complete")
	assert.Error(t, model.(*inputModel).err)

	for _, r := range "acme/svc" {
		model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, cmd = model.Update(key("enter"))
	require.NotNil(t, cmd)

	step.Store(model, state)
	assert.Equal(t, "acme/svc", state["board_id"])
}

func TestConfirmStep_AnswerKeysComplete(t *testing.T) {
	step := NewConfirmStep("api", "Enable the API server?").Default(false)

	state := make(State)
	model := step.Model(state)

	model, cmd := model.Update(key("y"))
	require.NotNil(t, cmd)

	step.Store(model, state)
	assert.Equal(t, true, state["api"])
}

func TestWizard_SkipsIrrelevantSteps(t *testing.T) {
	first := NewSelectStep("review", "Review provider", []Option{
		{Value: "github", Label: "GitHub"},
	})
	second := NewInputStep("base_url", "GitLab base URL").
		SkipWhen(func(s State) bool { return s.String("review", "") != "gitlab" })

	w := New(first, second)
	w.advance()
	require.Equal(t, 0, w.current)
	w.model = first.Model(w.state)
	w.model, _ = w.model.Update(key("enter"))

	// Completing the first step skips the gitlab-only step.
	updated, _ := w.Update(stepDoneMsg{})
	assert.Equal(t, 2, updated.(*Wizard).current)
	assert.Equal(t, "github", w.state.String("review", ""))
}

func TestWizard_EscapeCancels(t *testing.T) {
	w := New(NewConfirmStep("x", "Question"))
	w.model = w.steps[0].Model(w.state)

	updated, _ := w.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.ErrorIs(t, updated.(*Wizard).err, ErrCancelled)
}

func TestState_Accessors(t *testing.T) {
	s := State{"a": "x", "b": true}
	assert.Equal(t, "x", s.String("a", "d"))
	assert.Equal(t, "d", s.String("missing", "d"))
	assert.Equal(t, true, s.Bool("b", false))
	assert.Equal(t, true, s.Bool("missing", true), "missing key falls back to the default")
}
