package llmcli

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// ExtractCode returns the content and info language of the first fenced code block
// of a markdown answer. Answers without code blocks are returned trimmed.
func ExtractCode(answer string) (code, language string) {
	src := []byte(answer)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var found *ast.FencedCodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if fcb, ok := n.(*ast.FencedCodeBlock); ok {
			found = fcb
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	if found == nil {
		return strings.TrimSpace(answer), ""
	}

	var sb strings.Builder
	lines := found.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}

	return strings.TrimRight(sb.String(), "\n"), string(found.Language(src))
}
