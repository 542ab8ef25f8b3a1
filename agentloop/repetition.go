package agentloop

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultRepetitionWindow is the number of recent tool calls examined.
const DefaultRepetitionWindow = 6

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of its sorted parameters).
func toolCallSignature(use *ToolUse) string {
	keys := make([]string, 0, len(use.Params))
	for k := range use.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.WriteString(use.Params[k])
		sb.WriteByte(0)
	}
	h := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%s:%x", use.Name, h[:8])
}

// RepetitionDetector remembers recent tool-call signatures and refuses a
// call that would complete a repeating pattern of length 1, 2 or 3 across
// the whole window.
type RepetitionDetector struct {
	mu     sync.Mutex
	window int
	sigs   []string
}

// NewRepetitionDetector creates a detector over the last window calls.
// A window of zero disables detection.
func NewRepetitionDetector(window int) *RepetitionDetector {
	return &RepetitionDetector{window: window}
}

// Check records use and reports whether it completes a repeating pattern.
// A refused call is not kept, so the model can break the loop by trying
// something else.
func (d *RepetitionDetector) Check(use *ToolUse) bool {
	if d == nil || d.window <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sigs := append(d.sigs, toolCallSignature(use))
	if len(sigs) > d.window {
		sigs = sigs[len(sigs)-d.window:]
	}
	if isRepeating(sigs, d.window) {
		d.sigs = sigs[:len(sigs)-1]
		return true
	}
	d.sigs = sigs
	return false
}

// Reset forgets all recorded calls.
func (d *RepetitionDetector) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.sigs = nil
	d.mu.Unlock()
}

// isRepeating checks if the last windowSize signatures follow a repeating
// pattern of length 1, 2, or 3.
func isRepeating(sigs []string, windowSize int) bool {
	if len(sigs) < windowSize {
		return false
	}
	sigs = sigs[len(sigs)-windowSize:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || 2*patternLen > windowSize {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
