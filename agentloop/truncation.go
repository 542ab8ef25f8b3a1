package agentloop

import (
	"fmt"
	"strings"
)

// resultLimit bounds the text a tool hands back to the model. Chars is
// applied first, then Lines. KeepTail drops the start of the result
// instead of its middle.
type resultLimit struct {
	Chars    int
	Lines    int
	KeepTail bool
}

// toolResultLimits holds the per-tool bounds. Unlisted tools get
// fallbackResultLimit.
var toolResultLimits = map[string]resultLimit{
	"read_file":       {Chars: 50000},
	"execute_command": {Chars: 30000, Lines: 256},
	"search_files":    {Chars: 20000, Lines: 200, KeepTail: true},
	"list_files":      {Chars: 20000, Lines: 500, KeepTail: true},
	"edit_file":       {Chars: 10000, KeepTail: true},
	"write_to_file":   {Chars: 1000, KeepTail: true},
}

var fallbackResultLimit = resultLimit{Chars: 30000}

// limitToolResult shortens result to the bounds registered for tool,
// leaving a note where text was removed.
func limitToolResult(tool, result string) string {
	limit, ok := toolResultLimits[tool]
	if !ok {
		limit = fallbackResultLimit
	}
	result = clipChars(result, limit.Chars, limit.KeepTail)
	if limit.Lines > 0 {
		result = clipLines(result, limit.Lines)
	}
	return result
}

func clipChars(s string, n int, keepTail bool) string {
	over := len(s) - n
	if n <= 0 || over <= 0 {
		return s
	}
	if keepTail {
		return fmt.Sprintf("[Output truncated: the first %d characters were dropped. Narrow the request to see them.]\n\n", over) +
			s[over:]
	}
	head := n / 2
	return s[:head] +
		fmt.Sprintf("\n\n[Output truncated: %d characters were dropped from the middle. Narrow the request to see them.]\n\n", over) +
		s[len(s)-(n-head):]
}

func clipLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	head := n / 2
	tail := lines[len(lines)-(n-head):]
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", len(lines)-n) +
		strings.Join(tail, "\n")
}
