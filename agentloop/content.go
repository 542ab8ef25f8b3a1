package agentloop

import (
	"sort"
	"strings"
)

// BlockKind discriminates ContentBlock variants.
type BlockKind string

const (
	BlockText      BlockKind = "text"
	BlockToolUse   BlockKind = "tool_use"
	BlockReasoning BlockKind = "reasoning"
)

// ToolUse is a tool invocation written by the model as
// <tool_name><param>value</param></tool_name>.
type ToolUse struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

// ContentBlock is one typed unit of assistant output. Text holds the body
// of text and reasoning blocks; Tool is set for tool_use blocks. Partial
// marks a block whose closing tag has not arrived yet.
type ContentBlock struct {
	Kind    BlockKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Tool    *ToolUse  `json:"tool,omitempty"`
	Partial bool      `json:"partial"`
}

// Vocabulary is the set of tag names the parser recognises. Anything else
// in angle brackets is plain text.
type Vocabulary struct {
	tools  []string
	params []string
}

// NewVocabulary creates a Vocabulary. Names are matched longest first so a
// tool name that prefixes another never shadows it.
func NewVocabulary(tools, params []string) Vocabulary {
	byLen := func(names []string) []string {
		out := append([]string(nil), names...)
		sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
		return out
	}
	return Vocabulary{tools: byLen(tools), params: byLen(params)}
}

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

// greedyParams may contain markup of their own, so their value runs to the
// last closing tag before the tool closes.
var greedyParams = map[string]bool{
	"content": true,
	"diff":    true,
}

// ParseAssistantMessage splits the raw assistant text accumulated so far
// into ordered content blocks. It is a pure function of its input: calling
// it again with a longer prefix of the same response refines the result.
// A trailing text block is always partial since more text may follow.
func ParseAssistantMessage(msg string, vocab Vocabulary) []ContentBlock {
	var blocks []ContentBlock
	textStart := 0

	flushText := func(end int, partial bool) {
		if text := strings.TrimSpace(msg[textStart:end]); text != "" {
			blocks = append(blocks, ContentBlock{Kind: BlockText, Text: text, Partial: partial})
		}
	}

	i := 0
	for i < len(msg) {
		if msg[i] != '<' {
			i++
			continue
		}
		rest := msg[i:]

		if strings.HasPrefix(rest, thinkingOpen) {
			flushText(i, false)
			start := i + len(thinkingOpen)
			end := strings.Index(msg[start:], thinkingClose)
			if end < 0 {
				blocks = append(blocks, ContentBlock{Kind: BlockReasoning, Text: strings.TrimSpace(msg[start:]), Partial: true})
				return blocks
			}
			blocks = append(blocks, ContentBlock{Kind: BlockReasoning, Text: strings.TrimSpace(msg[start : start+end])})
			i = start + end + len(thinkingClose)
			textStart = i
			continue
		}

		name, ok := matchOpenTag(rest, vocab.tools)
		if !ok {
			i++
			continue
		}
		flushText(i, false)
		tool, next, complete := parseToolBody(msg, i+len(name)+2, name, vocab)
		blocks = append(blocks, ContentBlock{Kind: BlockToolUse, Tool: tool, Partial: !complete})
		if !complete {
			return blocks
		}
		i = next
		textStart = i
	}

	flushText(len(msg), true)
	return blocks
}

// parseToolBody scans the inside of a tool tag starting at pos. It returns
// the tool, the index just past its closing tag, and whether the closing
// tag was found.
func parseToolBody(msg string, pos int, name string, vocab Vocabulary) (*ToolUse, int, bool) {
	tool := &ToolUse{Name: name, Params: make(map[string]string)}
	toolClose := "</" + name + ">"

	i := pos
	for i < len(msg) {
		rest := msg[i:]
		if strings.HasPrefix(rest, toolClose) {
			return tool, i + len(toolClose), true
		}
		param, ok := "", false
		if msg[i] == '<' {
			param, ok = matchOpenTag(rest, vocab.params)
		}
		if !ok {
			i++
			continue
		}

		start := i + len(param) + 2
		paramClose := "</" + param + ">"
		var (
			value string
			end   int
			found bool
		)
		if greedyParams[param] {
			value, end, found = greedyValue(msg, start, paramClose, toolClose)
		} else if idx := strings.Index(msg[start:], paramClose); idx >= 0 {
			value, end, found = msg[start:start+idx], start+idx+len(paramClose), true
		} else {
			value = msg[start:]
		}
		tool.Params[param] = cleanParam(param, value, !found)
		if !found {
			return tool, len(msg), false
		}
		i = end
	}
	return tool, len(msg), false
}

// greedyValue extracts a parameter whose body may contain its own closing
// tag: the value ends at the last paramClose before the tool closes.
func greedyValue(msg string, start int, paramClose, toolClose string) (string, int, bool) {
	region := msg[start:]
	toolClosed := false
	if idx := strings.Index(region, toolClose); idx >= 0 {
		region = region[:idx]
		toolClosed = true
	}
	last := strings.LastIndex(region, paramClose)
	if last < 0 {
		// An unclosed value inside a closed tool runs to the tool's end.
		return region, start + len(region), toolClosed
	}
	return region[:last], start + last + len(paramClose), true
}

func matchOpenTag(s string, names []string) (string, bool) {
	for _, name := range names {
		if len(s) >= len(name)+2 && s[0] == '<' && s[len(name)+1] == '>' && s[1:len(name)+1] == name {
			return name, true
		}
	}
	return "", false
}

// cleanParam normalises a parameter value. File bodies keep their
// indentation and only lose the newline that follows the opening tag and
// the one before the closing tag. A partial value also drops any fragment
// of its closing tag.
func cleanParam(name, value string, partial bool) string {
	if partial {
		value = trimPartialTag(value)
	}
	if greedyParams[name] {
		value = strings.TrimPrefix(value, "\n")
		if !partial {
			value = strings.TrimSuffix(value, "\n")
		}
		return value
	}
	return strings.TrimSpace(value)
}

// trimPartialTag removes a trailing, incomplete tag such as "</pa" or "<".
func trimPartialTag(s string) string {
	idx := strings.LastIndexByte(s, '<')
	if idx < 0 {
		return s
	}
	tail := s[idx+1:]
	tail = strings.TrimPrefix(tail, "/")
	for _, r := range tail {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return s
		}
	}
	return s[:idx]
}

// FinalizeBlocks marks every block complete. It reports whether any block
// was still partial.
func FinalizeBlocks(blocks []ContentBlock) bool {
	changed := false
	for i := range blocks {
		if blocks[i].Partial {
			blocks[i].Partial = false
			changed = true
		}
	}
	return changed
}

// HasToolUse reports whether any block is a tool invocation.
func HasToolUse(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}
