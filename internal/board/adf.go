package board

import (
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// adfToText flattens an Atlassian Document Format tree to markdown-ish
// text for use in prompts. Returns empty string for nil input. Node types
// without a useful text form are recursed into so content is never lost.
func adfToText(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	renderADFNode(&b, node, 0)
	return strings.TrimRight(b.String(), "\n")
}

func renderADFNode(b *strings.Builder, node *models.CommentNodeScheme, depth int) {
	if node == nil {
		return
	}

	switch node.Type {
	case "doc":
		renderADFChildren(b, node, depth)

	case "paragraph":
		renderADFChildren(b, node, depth)
		b.WriteString("\n\n")

	case "heading":
		level := adfAttrInt(node.Attrs, "level", 1)
		b.WriteString(strings.Repeat("#", level))
		b.WriteString(" ")
		renderADFChildren(b, node, depth)
		b.WriteString("\n\n")

	case "text":
		b.WriteString(applyADFMarks(node.Text, node.Marks))

	case "hardBreak":
		b.WriteString("\n")

	case "bulletList", "orderedList":
		for _, child := range node.Content {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("- ")
			renderADFNode(b, child, depth+1)
		}

	case "listItem":
		var inner strings.Builder
		renderADFChildren(&inner, node, depth)
		b.WriteString(strings.TrimSpace(inner.String()))
		b.WriteString("\n")

	case "codeBlock":
		b.WriteString("```\n")
		renderADFChildren(b, node, depth)
		b.WriteString("\n```\n\n")

	case "inlineCard":
		if url := adfAttrString(node.Attrs, "url"); url != "" {
			b.WriteString(url)
		}

	default:
		renderADFChildren(b, node, depth)
	}
}

func renderADFChildren(b *strings.Builder, node *models.CommentNodeScheme, depth int) {
	for _, child := range node.Content {
		renderADFNode(b, child, depth)
	}
}

func applyADFMarks(text string, marks []*models.MarkScheme) string {
	for _, mark := range marks {
		switch mark.Type {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "link":
			if mark.Attrs != nil {
				if h, ok := mark.Attrs["href"].(string); ok && h != "" {
					text = "[" + text + "](" + h + ")"
				}
			}
		}
	}
	return text
}

func adfAttrString(attrs map[string]interface{}, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

func adfAttrInt(attrs map[string]interface{}, key string, fallback int) int {
	if attrs == nil {
		return fallback
	}
	switch n := attrs[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}

// textToADF wraps plain text lines in a minimal ADF document, for posting
// comments.
func textToADF(text string) *models.CommentNodeScheme {
	doc := &models.CommentNodeScheme{
		Version: 1,
		Type:    "doc",
	}
	for _, line := range strings.Split(text, "\n") {
		para := &models.CommentNodeScheme{Type: "paragraph"}
		if line != "" {
			para.Content = []*models.CommentNodeScheme{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, para)
	}
	return doc
}
