package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/boomerang/unifiedllm"
)

// ToolGroup gates which modes may use a tool. The empty group is always
// available.
type ToolGroup string

const (
	GroupAlways  ToolGroup = ""
	GroupRead    ToolGroup = "read"
	GroupEdit    ToolGroup = "edit"
	GroupCommand ToolGroup = "command"
	GroupModes   ToolGroup = "modes"
)

// ToolExecutor runs one tool invocation. Returning a *ToolDeniedError
// marks the turn as rejected; a *MissingParamError counts as a mistake.
type ToolExecutor func(ctx context.Context, call *ToolCall) (string, error)

// ToolParam documents one XML parameter of a tool.
type ToolParam struct {
	Name        string
	Description string
	Required    bool
}

// ToolDefinition describes a tool for the system prompt.
type ToolDefinition struct {
	Name        string
	Description string
	Params      []ToolParam
	Example     string
}

// Usage renders the XML skeleton of the tool.
func (d ToolDefinition) Usage() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s>\n", d.Name)
	for _, p := range d.Params {
		fmt.Fprintf(&sb, "<%s>%s</%s>\n", p.Name, p.Name, p.Name)
	}
	fmt.Fprintf(&sb, "</%s>", d.Name)
	return sb.String()
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Group      ToolGroup
	Executor   ToolExecutor
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// DefaultToolRegistry returns a registry holding the workspace tools and
// the orchestration tools.
func DefaultToolRegistry(commandTimeoutMs int) *ToolRegistry {
	reg := NewToolRegistry()
	RegisterCoreTools(reg, commandTimeoutMs)
	RegisterOrchestrationTools(reg)
	return reg
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Tools returns all registered tools ordered by name.
func (r *ToolRegistry) Tools() []RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredTool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// Names returns the names of all registered tools, sorted.
func (r *ToolRegistry) Names() []string {
	tools := r.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Definition.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Vocabulary returns the tag vocabulary for ParseAssistantMessage.
func (r *ToolRegistry) Vocabulary() Vocabulary {
	seen := make(map[string]bool)
	var params []string
	var names []string
	for _, t := range r.Tools() {
		names = append(names, t.Definition.Name)
		for _, p := range t.Definition.Params {
			if !seen[p.Name] {
				seen[p.Name] = true
				params = append(params, p.Name)
			}
		}
	}
	return NewVocabulary(names, params)
}

// ToolCall is the invocation handed to a ToolExecutor. It gives the tool
// access to its task's workspace, approval flow and host.
type ToolCall struct {
	Task   *Task
	Name   string
	Params map[string]string

	feedback string
	images   []string
	endLoop  bool
}

// Param returns a parameter value, or "" when absent.
func (c *ToolCall) Param(name string) string {
	return c.Params[name]
}

// Env returns the task's execution environment.
func (c *ToolCall) Env() ExecutionEnvironment {
	return c.Task.env
}

// EndLoop marks the task as finished once this tool's result is recorded.
func (c *ToolCall) EndLoop() {
	c.endLoop = true
}

// Say records a say message on the task.
func (c *ToolCall) Say(ctx context.Context, kind SayKind, text string) {
	c.Task.say(ctx, kind, text, nil, false)
}

// Ask blocks until the user answers.
func (c *ToolCall) Ask(ctx context.Context, kind AskKind, text string) (AskResponse, error) {
	return c.Task.ask(ctx, kind, text)
}

// Approve asks the user to approve the operation described by text unless
// the group is auto-approved. A "yes" with text approves with feedback;
// anything else returns a *ToolDeniedError.
func (c *ToolCall) Approve(ctx context.Context, group ToolGroup, kind AskKind, text string) error {
	if c.Task.cfg.AutoApprove.allows(group) {
		if kind == AskCommand {
			c.Task.say(ctx, SayCommandOutput, "$ "+text, nil, false)
		} else {
			c.Task.say(ctx, SayTool, text, nil, false)
		}
		return nil
	}
	resp, err := c.Task.ask(ctx, kind, text)
	if err != nil {
		return err
	}
	if resp.Text != "" || len(resp.Images) > 0 {
		c.Task.say(ctx, SayUserFeedback, resp.Text, resp.Images, false)
	}
	if resp.Response == ResponseYes {
		c.feedback = resp.Text
		c.images = resp.Images
		return nil
	}
	return &ToolDeniedError{Feedback: resp.Text, Images: resp.Images}
}

// describeTool renders a short label such as "read_file for 'main.go'".
func describeTool(def ToolDefinition, use *ToolUse) string {
	for _, p := range def.Params {
		if v := strings.TrimSpace(use.Params[p.Name]); v != "" && p.Required {
			if r := []rune(v); len(r) > 80 {
				v = string(r[:80]) + "..."
			}
			return fmt.Sprintf("%s for '%s'", use.Name, v)
		}
	}
	return use.Name
}

func imageParts(images []string) []unifiedllm.ContentPart {
	parts := make([]unifiedllm.ContentPart, 0, len(images))
	for _, img := range images {
		parts = append(parts, unifiedllm.ImageURLPart(img, ""))
	}
	return parts
}
