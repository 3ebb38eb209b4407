package assistant

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"hackhub-backend/internal/models"
)

const linkOpen = "LINK["

// thinkSpan matches one reasoning span, literal or HTML-escaped, non-greedy.
var thinkSpan = regexp.MustCompile(`(?s)(?:<think>|&lt;think&gt;)(.*?)(?:</think>|&lt;/think&gt;)`)

// FormatResponse applies the display rewrites for the given profile to a raw
// model reply. It never fails; anything it cannot parse is left as written.
func FormatResponse(raw string, profile models.ModelProfile) string {
	text := raw
	if profile.Reasoning {
		text = rewriteThinkSpans(text)
	}
	return rewriteLinks(text)
}

func rewriteThinkSpans(text string) string {
	return thinkSpan.ReplaceAllStringFunc(text, func(span string) string {
		inner := strings.TrimSpace(thinkSpan.FindStringSubmatch(span)[1])

		var b strings.Builder
		b.WriteString("\n\n> **Reasoning**\n")
		if inner != "" {
			b.WriteString(">\n")
			for _, line := range strings.Split(inner, "\n") {
				b.WriteString("> ")
				b.WriteString(strings.TrimRight(line, " \t\r"))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
		return b.String()
	})
}

// rewriteLinks turns LINK[<url>|<label>] markers into Markdown links.
func rewriteLinks(text string) string {
	if !strings.Contains(text, linkOpen) {
		return text
	}

	var b strings.Builder
	rest := text
	for {
		i := strings.Index(rest, linkOpen)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		rest = rest[i+len(linkOpen):]

		url, label, n, ok := parseLinkBody(rest)
		if !ok {
			b.WriteString(linkOpen)
			continue
		}
		b.WriteString(markdownLink(url, label))
		rest = rest[n:]
	}
}

var (
	labelEscaper = strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`)
	angleEscaper = strings.NewReplacer(`\`, `\\`, "<", `\<`, ">", `\>`)
	plainEscaper = strings.NewReplacer(`\`, `\\`)
)

// markdownLink builds an inline link whose text is exactly label and whose
// target is exactly url. Destinations with spaces, parentheses or angle
// brackets use the <...> form.
func markdownLink(url, label string) string {
	dest := plainEscaper.Replace(url)
	if strings.ContainsAny(url, " ()<>") {
		dest = "<" + angleEscaper.Replace(url) + ">"
	}
	return "[" + labelEscaper.Replace(label) + "](" + dest + ")"
}

// parseLinkBody reads "<url>|<label>]" from the start of s and reports how
// many bytes it consumed. A marker without its "|" or closing "]" is invalid.
func parseLinkBody(s string) (url, label string, n int, ok bool) {
	var ub, lb strings.Builder
	i := 0

	for ; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == '|' || s[i+1] == ']') {
			ub.WriteByte(s[i+1])
			i++
			continue
		}
		if c == '|' {
			break
		}
		if c == ']' || c == '\n' {
			return "", "", 0, false
		}
		ub.WriteByte(c)
	}
	if i >= len(s) || ub.Len() == 0 {
		return "", "", 0, false
	}
	i++

	depth := 0
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && s[i+1] == ']':
			lb.WriteByte(']')
			i++
		case c == '\n':
			return "", "", 0, false
		case c == '[':
			depth++
			lb.WriteByte(c)
		case c == ']' && depth == 0:
			url = strings.TrimSpace(ub.String())
			label = lb.String()
			if strings.TrimSpace(label) == "" {
				label = url
			}
			return url, label, i + 1, true
		case c == ']':
			depth--
			lb.WriteByte(c)
		default:
			lb.WriteByte(c)
		}
	}
	return "", "", 0, false
}

var (
	markdownOnce     sync.Once
	markdownRenderer goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownRenderer = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				renderer.WithNodeRenderers(util.Prioritized(escapedHTMLRenderer{}, 100)),
			),
		)
	})
	return markdownRenderer
}

// escapedHTMLRenderer shows raw HTML from a reply as text. goldmark's default
// would drop it, which hides things like an unclosed <think> tag.
type escapedHTMLRenderer struct{}

func (r escapedHTMLRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindRawHTML, r.renderRawHTML)
	reg.Register(ast.KindHTMLBlock, r.renderHTMLBlock)
}

func (r escapedHTMLRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		segment := n.Segments.At(i)
		_, _ = w.Write(util.EscapeHTML(segment.Value(source)))
	}
	return ast.WalkSkipChildren, nil
}

func (r escapedHTMLRenderer) renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.HTMLBlock)
	if !entering {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString("<p>")
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		_, _ = w.Write(util.EscapeHTML(line.Value(source)))
	}
	if n.HasClosure() {
		_, _ = w.Write(util.EscapeHTML(n.ClosureLine.Value(source)))
	}
	_, _ = w.WriteString("</p>\n")
	return ast.WalkContinue, nil
}

// RenderHTML converts a formatted reply into HTML for chat clients. Raw HTML
// in the source comes out escaped, never as markup.
func RenderHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
