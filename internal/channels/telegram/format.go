package telegram

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Telegram hard limits.
const (
	telegramMaxMessageLen = 4096
	telegramCaptionMaxLen = 1024
)

// Models sometimes emit raw HTML instead of markdown; those tags would be
// escaped into literal text below, so they are rewritten to markdown
// first and re-converted by the normal pipeline.
var htmlToMd = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)<br\s*/?>`), "\n"},
	{regexp.MustCompile(`(?i)</?p\s*>`), "\n"},
	{regexp.MustCompile(`(?i)<b>([\s\S]*?)</b>`), "**$1**"},
	{regexp.MustCompile(`(?i)<strong>([\s\S]*?)</strong>`), "**$1**"},
	{regexp.MustCompile(`(?i)<i>([\s\S]*?)</i>`), "_$1_"},
	{regexp.MustCompile(`(?i)<em>([\s\S]*?)</em>`), "_$1_"},
	{regexp.MustCompile(`(?i)<s>([\s\S]*?)</s>`), "~~$1~~"},
	{regexp.MustCompile(`(?i)<strike>([\s\S]*?)</strike>`), "~~$1~~"},
	{regexp.MustCompile(`(?i)<del>([\s\S]*?)</del>`), "~~$1~~"},
	{regexp.MustCompile(`(?i)<code>([\s\S]*?)</code>`), "`$1`"},
	{regexp.MustCompile(`(?i)<a\s+href="([^"]+)"[^>]*>([\s\S]*?)</a>`), "[$2]($1)"},
}

var (
	mdHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	mdBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBoldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	mdItalic     = regexp.MustCompile(`_([^_]+)_`)
	mdStrike     = regexp.MustCompile(`~~(.+?)~~`)
	mdListItem   = regexp.MustCompile(`(?m)^[-*]\s+`)
)

// markdownToTelegramHTML renders LLM markdown into Telegram's HTML
// dialect. Code blocks, inline code, and tables are carved out behind
// placeholders first so the markdown passes can't touch their contents;
// tables come back as bare <pre> so Telegram shows a monospace block
// without the code-copy affordance.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	for _, r := range htmlToMd {
		text = r.re.ReplaceAllString(text, r.repl)
	}

	tables := carveTables(text)
	text = tables.text
	blocks := carveCodeBlocks(text)
	text = blocks.text
	inline := carveInlineCode(text)
	text = inline.text

	text = mdHeader.ReplaceAllString(text, "$1")
	text = mdBlockquote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = mdLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = mdBoldStar.ReplaceAllString(text, "<b>$1</b>")
	text = mdBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = mdItalic.ReplaceAllStringFunc(text, func(s string) string {
		m := mdItalic.FindStringSubmatch(s)
		if len(m) < 2 {
			return s
		}
		return "<i>" + m[1] + "</i>"
	})
	text = mdStrike.ReplaceAllString(text, "<s>$1</s>")
	text = mdListItem.ReplaceAllString(text, "• ")

	for i, code := range inline.parts {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i),
			fmt.Sprintf("<code>%s</code>", escapeHTML(code)))
	}
	for i, code := range blocks.parts {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i),
			fmt.Sprintf("<pre><code>%s</code></pre>", escapeHTML(code)))
	}
	for i, table := range tables.parts {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00TB%d\x00", i),
			fmt.Sprintf("<pre>%s</pre>", escapeHTML(table)))
	}

	return text
}

// carved holds text with protected regions swapped for placeholders.
type carved struct {
	text  string
	parts []string
}

var fencedBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)\n?(.*?)```")

func carveCodeBlocks(text string) carved {
	var out carved
	out.text = fencedBlock.ReplaceAllStringFunc(text, func(m string) string {
		sub := fencedBlock.FindStringSubmatch(m)
		placeholder := fmt.Sprintf("\x00CB%d\x00", len(out.parts))
		out.parts = append(out.parts, strings.TrimRight(sub[1], "\n"))
		return placeholder
	})
	return out
}

var inlineCode = regexp.MustCompile("`([^`\n]+)`")

func carveInlineCode(text string) carved {
	var out carved
	out.text = inlineCode.ReplaceAllStringFunc(text, func(m string) string {
		sub := inlineCode.FindStringSubmatch(m)
		placeholder := fmt.Sprintf("\x00IC%d\x00", len(out.parts))
		out.parts = append(out.parts, sub[1])
		return placeholder
	})
	return out
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// carveTables finds markdown tables and renders each into an aligned
// monospace block.
func carveTables(text string) carved {
	var out carved
	lines := strings.Split(text, "\n")
	var kept []string

	for i := 0; i < len(lines); i++ {
		if !isTableRow(lines[i]) || i+1 >= len(lines) || !isTableDivider(lines[i+1]) {
			kept = append(kept, lines[i])
			continue
		}
		// Collect header, divider, and body rows.
		var rows []string
		rows = append(rows, lines[i], lines[i+1])
		j := i + 2
		for j < len(lines) && isTableRow(lines[j]) {
			rows = append(rows, lines[j])
			j++
		}
		placeholder := fmt.Sprintf("\x00TB%d\x00", len(out.parts))
		out.parts = append(out.parts, renderTable(rows))
		kept = append(kept, placeholder)
		i = j - 1
	}

	out.text = strings.Join(kept, "\n")
	return out
}

func isTableRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.Count(t, "|") >= 2
}

var dividerCell = regexp.MustCompile(`^:?-{2,}:?$`)

func isTableDivider(line string) bool {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "|") {
		return false
	}
	for _, cell := range splitTableRow(t) {
		if !dividerCell.MatchString(strings.TrimSpace(cell)) {
			return false
		}
	}
	return true
}

func splitTableRow(line string) []string {
	t := strings.Trim(strings.TrimSpace(line), "|")
	return strings.Split(t, "|")
}

// renderTable lays the rows out with runewidth-aware column padding so
// CJK content stays aligned in the monospace block.
func renderTable(rows []string) string {
	var grid [][]string
	for i, row := range rows {
		if i == 1 {
			continue // divider
		}
		var cells []string
		for _, cell := range splitTableRow(row) {
			cells = append(cells, stripInlineMarkdown(strings.TrimSpace(cell)))
		}
		grid = append(grid, cells)
	}
	if len(grid) == 0 {
		return ""
	}

	cols := 0
	for _, row := range grid {
		if len(row) > cols {
			cols = len(row)
		}
	}
	widths := make([]int, cols)
	for _, row := range grid {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for r, row := range grid {
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(cell)
			if i < cols-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
			}
		}
		b.WriteString("\n")
		if r == 0 {
			total := 0
			for _, w := range widths {
				total += w + 2
			}
			b.WriteString(strings.Repeat("-", total))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var inlineMd = regexp.MustCompile(`(\*\*|__|[*_~` + "`" + `])`)

func stripInlineMarkdown(s string) string {
	return inlineMd.ReplaceAllString(s, "")
}

// chunkHTML splits rendered HTML on paragraph, then line, then rune
// boundaries so every piece fits Telegram's message limit. Splitting can
// sever a tag pair; the plain-text fallback in sendHTML covers that
// worst case.
func chunkHTML(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, para := range strings.SplitAfter(text, "\n\n") {
		if current.Len()+len(para) > maxLen {
			flush()
		}
		if len(para) <= maxLen {
			current.WriteString(para)
			continue
		}
		// One paragraph alone exceeds the limit; fall back to lines, then
		// to rune windows.
		for _, line := range strings.SplitAfter(para, "\n") {
			if current.Len()+len(line) > maxLen {
				flush()
			}
			for len(line) > maxLen {
				cut := maxLen
				for cut > 0 && (line[cut]&0xC0) == 0x80 {
					cut--
				}
				chunks = append(chunks, line[:cut])
				line = line[cut:]
			}
			current.WriteString(line)
		}
	}
	flush()
	return chunks
}
