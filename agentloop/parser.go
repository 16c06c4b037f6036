package agentloop

import (
	"strings"
)

// CompletionMarker is the token a model writes outside any code fence to
// signal that the current request needs no further turns.
const CompletionMarker = "DONE"

const fenceDelim = "```"

// ParseResult is the outcome of parsing one assistant message.
type ParseResult struct {
	Blocks   []CodeBlock
	Complete bool
}

// fence is one ``` delimited region located by scanFences.
type fence struct {
	start   int // offset of the opening backticks
	end     int // offset just past the closing backticks, or len(text)
	tag     string
	body    string
	closed  bool
	lang    Language
	matched bool // tag maps to a known Language
}

// ParseResponse extracts executable code blocks from text and reports
// whether text carries the completion marker outside all recognized fences.
func ParseResponse(text string) ParseResult {
	fences := scanFences(text)
	return ParseResult{
		Blocks:   blocksFromFences(fences),
		Complete: completeOutside(text, fences),
	}
}

// ExtractCodeBlocks returns the recognized, terminated, non-empty code
// blocks of text in document order.
func ExtractCodeBlocks(text string) []CodeBlock {
	return blocksFromFences(scanFences(text))
}

// IsComplete reports whether text signals completion outside its fences.
func IsComplete(text string) bool {
	return completeOutside(text, scanFences(text))
}

// scanFences locates fence boundaries. An opener is ``` followed by an
// optional tag, optional horizontal whitespace and a newline; its closer is
// the next ``` anywhere after that newline. Fences pair regardless of tag.
func scanFences(text string) []fence {
	var fences []fence
	pos := 0
	for {
		idx := strings.Index(text[pos:], fenceDelim)
		if idx < 0 {
			return fences
		}
		open := pos + idx
		tagStart := open + len(fenceDelim)

		tagEnd := tagStart
		for tagEnd < len(text) && isTagByte(text[tagEnd]) {
			tagEnd++
		}
		nl := tagEnd
		for nl < len(text) && (text[nl] == ' ' || text[nl] == '\t' || text[nl] == '\r') {
			nl++
		}
		if nl >= len(text) || text[nl] != '\n' {
			// Inline backticks, not a fence opener.
			pos = tagStart
			continue
		}

		f := fence{start: open, tag: text[tagStart:tagEnd]}
		f.lang, f.matched = LanguageForTag(f.tag)

		bodyStart := nl + 1
		closeIdx := strings.Index(text[bodyStart:], fenceDelim)
		if closeIdx < 0 {
			f.body = text[bodyStart:]
			f.end = len(text)
			fences = append(fences, f)
			return fences
		}
		f.body = text[bodyStart : bodyStart+closeIdx]
		f.end = bodyStart + closeIdx + len(fenceDelim)
		f.closed = true
		fences = append(fences, f)
		pos = f.end
	}
}

func isTagByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '+', c == '.', c == '-':
		return true
	}
	return false
}

func blocksFromFences(fences []fence) []CodeBlock {
	var blocks []CodeBlock
	for _, f := range fences {
		if !f.matched || !f.closed {
			continue
		}
		code := strings.TrimRight(stripTrailingMarker(f.body), " \t\r\n")
		if strings.TrimSpace(code) == "" {
			continue
		}
		blocks = append(blocks, CodeBlock{Language: f.lang, Tag: f.tag, Source: code})
	}
	return blocks
}

// stripTrailingMarker removes a final line consisting only of the
// completion marker.
func stripTrailingMarker(body string) string {
	trimmed := strings.TrimRight(body, " \t\r\n")
	lineStart := strings.LastIndexByte(trimmed, '\n') + 1
	if strings.EqualFold(strings.TrimSpace(trimmed[lineStart:]), CompletionMarker) {
		return trimmed[:lineStart]
	}
	return body
}

// completeOutside removes every recognized fence (terminated or not) from
// text and checks the remainder for a trailing completion marker.
func completeOutside(text string, fences []fence) bool {
	var outside strings.Builder
	last := 0
	for _, f := range fences {
		if !f.matched {
			continue
		}
		outside.WriteString(text[last:f.start])
		last = f.end
	}
	if last < len(text) {
		outside.WriteString(text[last:])
	}
	rest := strings.TrimRight(outside.String(), " \t\r\n.")
	if len(rest) < len(CompletionMarker) {
		return false
	}
	return strings.EqualFold(rest[len(rest)-len(CompletionMarker):], CompletionMarker)
}
