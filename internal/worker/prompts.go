package worker

import (
	"fmt"
	"strings"

	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/workspace"
)

// prompts holds the per-action prompt templates handed to the developer
// backend. Every template ends by demanding the "PR: <url>" line the
// result parser keys on.
var prompts = struct {
	StartNewTask    string
	ResumeTask      string
	ProcessFeedback string
	MergeRequest    string
}{
	StartNewTask: `Read the task description in %s and implement it.

Work inside this directory only, it is a dedicated git worktree on branch %q.

When the implementation is complete:
1. Commit your changes with a clear message.
2. Push the branch: git push -u origin %s
3. Open a pull request against %q using the available CLI (gh or glab).

Finish your final message with a line of the form:
PR: <pull request url>`,

	ResumeTask: `You previously started the task described in %s but the work was
interrupted. Inspect the current state of this worktree (branch %q),
including any uncommitted changes and the remote branch, and carry the
task to completion.

When done:
1. Commit and push any outstanding changes to origin/%s
2. If no pull request exists yet, open one against %q.

Finish your final message with a line of the form:
PR: <pull request url>`,

	ProcessFeedback: `Reviewers left feedback on your pull request %s.

Address every comment below. Make the code changes in this worktree
(branch %q), commit, and push to the existing branch so the pull request
updates.

%s
Finish your final message with a line of the form:
PR: %s`,

	MergeRequest: `The pull request %s has been approved.

Merge it using the available CLI (for example: gh pr merge --squash or
glab mr merge). If the merge is blocked, report the exact reason.

After a successful merge, finish your final message with:
PR: %s
and the word "merged".`,
}

// buildPrompt renders the prompt for the worker's current action.
func buildPrompt(task *state.WorkerTask, info *state.WorkspaceInfo, baseBranch string) (string, error) {
	switch task.Action {
	case state.ActionStartNewTask:
		return fmt.Sprintf(prompts.StartNewTask,
			workspace.InstructionFileName, info.BranchName, info.BranchName, baseBranch), nil
	case state.ActionResumeTask:
		return fmt.Sprintf(prompts.ResumeTask,
			workspace.InstructionFileName, info.BranchName, info.BranchName, baseBranch), nil
	case state.ActionProcessFeedback:
		if task.PullRequestURL == "" {
			return "", fmt.Errorf("feedback task %s has no pull request url", task.TaskID)
		}
		return fmt.Sprintf(prompts.ProcessFeedback,
			task.PullRequestURL, info.BranchName, formatComments(task.Comments), task.PullRequestURL), nil
	case state.ActionMergeRequest:
		if task.PullRequestURL == "" {
			return "", fmt.Errorf("merge task %s has no pull request url", task.TaskID)
		}
		return fmt.Sprintf(prompts.MergeRequest, task.PullRequestURL, task.PullRequestURL), nil
	default:
		return "", fmt.Errorf("no prompt for action %s", task.Action)
	}
}

// formatComments renders review comments as a numbered list with file
// positions where the provider supplied them.
func formatComments(comments []state.CommentSnapshot) string {
	if len(comments) == 0 {
		return "(no comment bodies were captured)\n"
	}
	var b strings.Builder
	for i, c := range comments {
		fmt.Fprintf(&b, "%d. From %s", i+1, c.Author)
		if c.Path != "" {
			fmt.Fprintf(&b, " on %s", c.Path)
			if c.Line > 0 {
				fmt.Fprintf(&b, ":%d", c.Line)
			}
		}
		b.WriteString(":\n")
		for _, line := range strings.Split(strings.TrimSpace(c.Body), "\n") {
			b.WriteString("   ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
