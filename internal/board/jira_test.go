package board

import (
	"testing"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackworks/steward/internal/state"
)

func TestJiraKeyNumber(t *testing.T) {
	tests := []struct {
		key  string
		want int
	}{
		{"PROJ-123", 123},
		{"A-1", 1},
		{"ABC-DEF-42", 42},
		{"PROJ-", 0},
		{"PROJ", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, jiraKeyNumber(tt.key))
		})
	}
}

func TestDeriveJiraStatus(t *testing.T) {
	tests := []struct {
		name   string
		status *models.StatusScheme
		want   state.TaskStatus
	}{
		{name: "nil", status: nil, want: state.TaskTodo},
		{name: "exact name", status: &models.StatusScheme{Name: "In Review"}, want: state.TaskInReview},
		{name: "case insensitive", status: &models.StatusScheme{Name: "TO DO"}, want: state.TaskTodo},
		{
			name: "custom name with done category",
			status: &models.StatusScheme{
				Name:           "Shipped",
				StatusCategory: &models.StatusCategoryScheme{Key: "done"},
			},
			want: state.TaskDone,
		},
		{
			name: "custom name with indeterminate category",
			status: &models.StatusScheme{
				Name:           "Building",
				StatusCategory: &models.StatusCategoryScheme{Key: "indeterminate"},
			},
			want: state.TaskInProgress,
		},
		{
			name:   "custom name without category",
			status: &models.StatusScheme{Name: "Someday"},
			want:   state.TaskTodo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveJiraStatus(tt.status))
		})
	}
}

func TestConvertJiraIssue(t *testing.T) {
	issue := &models.IssueScheme{
		Key: "PROJ-42",
		Fields: &models.IssueFieldsScheme{
			Summary: "Tighten session expiry",
			Description: &models.CommentNodeScheme{
				Type: "doc",
				Content: []*models.CommentNodeScheme{
					{
						Type: "paragraph",
						Content: []*models.CommentNodeScheme{
							{Type: "text", Text: "Sessions outlive their tokens."},
						},
					},
				},
			},
			Labels: []string{"auth", "repo:acme/svc"},
			Status: &models.StatusScheme{Name: "To Do"},
		},
	}

	item := convertJiraIssue(issue)

	assert.Equal(t, "PROJ-42", item.ID)
	assert.Equal(t, 42, item.Number)
	assert.Equal(t, "issue", item.Kind)
	assert.Equal(t, "Tighten session expiry", item.Title)
	assert.Equal(t, "Sessions outlive their tokens.", item.Body)
	assert.Equal(t, "acme/svc", item.RepositoryID, "repo: label binds the repository")
	assert.Equal(t, state.TaskTodo, item.Status)
}

func TestConvertJiraIssueWithoutFields(t *testing.T) {
	item := convertJiraIssue(&models.IssueScheme{Key: "PROJ-7"})
	assert.Equal(t, "PROJ-7", item.ID)
	assert.Equal(t, 7, item.Number)
	assert.Empty(t, item.RepositoryID)

	assert.Equal(t, Item{}, convertJiraIssue(nil))
}

func TestADFToText(t *testing.T) {
	tests := []struct {
		name string
		node *models.CommentNodeScheme
		want string
	}{
		{name: "nil", node: nil, want: ""},
		{
			name: "paragraphs",
			node: adfDoc(
				adfParagraph(adfText("first", nil)),
				adfParagraph(adfText("second", nil)),
			),
			want: "first\n\nsecond",
		},
		{
			name: "heading",
			node: adfDoc(&models.CommentNodeScheme{
				Type:    "heading",
				Attrs:   map[string]interface{}{"level": float64(2)},
				Content: []*models.CommentNodeScheme{adfText("Context", nil)},
			}),
			want: "## Context",
		},
		{
			name: "marks",
			node: adfDoc(adfParagraph(
				adfText("bold", []*models.MarkScheme{{Type: "strong"}}),
				adfText(" and ", nil),
				adfText("mono", []*models.MarkScheme{{Type: "code"}}),
			)),
			want: "**bold** and `mono`",
		},
		{
			name: "link mark",
			node: adfDoc(adfParagraph(
				adfText("docs", []*models.MarkScheme{{
					Type:  "link",
					Attrs: map[string]interface{}{"href": "https://example.com"},
				}}),
			)),
			want: "[docs](https://example.com)",
		},
		{
			name: "bullet list",
			node: adfDoc(&models.CommentNodeScheme{
				Type: "bulletList",
				Content: []*models.CommentNodeScheme{
					{Type: "listItem", Content: []*models.CommentNodeScheme{adfParagraph(adfText("one", nil))}},
					{Type: "listItem", Content: []*models.CommentNodeScheme{adfParagraph(adfText("two", nil))}},
				},
			}),
			want: "- one\n- two",
		},
		{
			name: "code block",
			node: adfDoc(&models.CommentNodeScheme{
				Type:    "codeBlock",
				Content: []*models.CommentNodeScheme{adfText("x := 1", nil)},
			}),
			want: "```\nx := 1\n```",
		},
		{
			name: "inline card",
			node: adfDoc(adfParagraph(&models.CommentNodeScheme{
				Type:  "inlineCard",
				Attrs: map[string]interface{}{"url": "https://github.com/acme/svc/pull/3"},
			})),
			want: "https://github.com/acme/svc/pull/3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adfToText(tt.node))
		})
	}
}

func TestTextToADF(t *testing.T) {
	doc := textToADF("PR: https://github.com/acme/svc/pull/3\nsecond line")

	require.NotNil(t, doc)
	assert.Equal(t, "doc", doc.Type)
	assert.Equal(t, 1, doc.Version)
	require.Len(t, doc.Content, 2)
	for _, para := range doc.Content {
		assert.Equal(t, "paragraph", para.Type)
	}
	require.Len(t, doc.Content[0].Content, 1)
	assert.Equal(t, "PR: https://github.com/acme/svc/pull/3", doc.Content[0].Content[0].Text)

	// Round trip through the renderer preserves the text.
	assert.Equal(t, "PR: https://github.com/acme/svc/pull/3\n\nsecond line", adfToText(doc))
}

func adfDoc(content ...*models.CommentNodeScheme) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "doc", Content: content}
}

func adfParagraph(content ...*models.CommentNodeScheme) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "paragraph", Content: content}
}

func adfText(text string, marks []*models.MarkScheme) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "text", Text: text, Marks: marks}
}
