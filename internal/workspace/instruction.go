package workspace

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackworks/steward/internal/state"
)

// InstructionFileName is the fixed name of the briefing document
// placed in every workspace.
const InstructionFileName = "STEWARD_TASK.md"

// instructionHeader is the YAML front matter of the briefing.
type instructionHeader struct {
	TaskID     string `yaml:"task_id"`
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	Workspace  string `yaml:"workspace"`
	CreatedAt  string `yaml:"created_at"`
}

// SetupInstructionFile writes the workspace's briefing document: front
// matter identifying the task, the board item's content, and the
// working conventions the developer is expected to follow.
func (m *Manager) SetupInstructionFile(info *state.WorkspaceInfo, item *state.BoardItemSnapshot) error {
	header := instructionHeader{
		TaskID:     info.TaskID,
		Repository: info.RepositoryID,
		Branch:     info.BranchName,
		Workspace:  info.WorkspaceDir,
		CreatedAt:  time.Now().Format(time.RFC3339),
	}
	headerBytes, err := yaml.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal instruction header: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(headerBytes)
	b.WriteString("---\n\n")

	title := "Task " + info.TaskID
	if item != nil && item.Title != "" {
		title = item.Title
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if item != nil && item.Body != "" {
		b.WriteString(item.Body)
		b.WriteString("\n\n")
	}

	b.WriteString("## Working conventions\n\n")
	fmt.Fprintf(&b, "- Work only inside this directory; it is a dedicated worktree on branch `%s`.\n", info.BranchName)
	b.WriteString("- Make small, focused commits with imperative subject lines.\n")
	b.WriteString("- Run the project's tests before declaring the task done.\n")
	fmt.Fprintf(&b, "- Push the branch and open a pull request against `%s`.\n", info.RepositoryID)
	b.WriteString("- Finish your final message with a line of the form `PR: <url>` naming the pull request.\n")

	if err := os.WriteFile(info.InstructionFilePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write instruction file: %w", err)
	}
	return nil
}
