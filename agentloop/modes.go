package agentloop

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Mode is a named behavioral profile: a role definition plus the tool
// groups the model may use while in it.
type Mode struct {
	Slug               string
	Name               string
	RoleDefinition     string
	WhenToUse          string
	Groups             []ToolGroup
	CustomInstructions string

	// FileRegex, when set, restricts edit tools to matching paths.
	FileRegex string
}

// Allows reports whether tool may be used in this mode.
func (m Mode) Allows(tool RegisteredTool) bool {
	if tool.Group == GroupAlways {
		return true
	}
	for _, g := range m.Groups {
		if g == tool.Group {
			return true
		}
	}
	return false
}

// AllowsPath reports whether an edit tool may touch path in this mode.
func (m Mode) AllowsPath(path string) (bool, error) {
	if m.FileRegex == "" {
		return true, nil
	}
	re, err := regexp.Compile(m.FileRegex)
	if err != nil {
		return false, fmt.Errorf("mode %s: invalid file_regex: %w", m.Slug, err)
	}
	return re.MatchString(path), nil
}

// DefaultMode is the slug used when none is configured.
const DefaultMode = "code"

var builtinModes = []Mode{
	{
		Slug:           "code",
		Name:           "Code",
		RoleDefinition: "You are a highly skilled software engineer with extensive knowledge in many programming languages, frameworks, design patterns, and best practices.",
		WhenToUse:      "Writing, modifying or refactoring code.",
		Groups:         []ToolGroup{GroupRead, GroupEdit, GroupCommand, GroupModes},
	},
	{
		Slug:           "architect",
		Name:           "Architect",
		RoleDefinition: "You are an experienced technical leader who is inquisitive and an excellent planner. Your goal is to gather information and get context to create a detailed plan for accomplishing the user's task.",
		WhenToUse:      "Planning, designing or strategizing before implementation.",
		Groups:         []ToolGroup{GroupRead, GroupEdit, GroupModes},
		FileRegex:      `\.md$`,
	},
	{
		Slug:           "ask",
		Name:           "Ask",
		RoleDefinition: "You are a knowledgeable technical assistant focused on answering questions and providing information about software development, technology, and related topics.",
		WhenToUse:      "Explanations, documentation or answers to technical questions.",
		Groups:         []ToolGroup{GroupRead, GroupModes},
	},
	{
		Slug:           "debug",
		Name:           "Debug",
		RoleDefinition: "You are an expert software debugger specializing in systematic problem diagnosis and resolution.",
		WhenToUse:      "Troubleshooting issues, investigating errors or diagnosing problems.",
		Groups:         []ToolGroup{GroupRead, GroupEdit, GroupCommand, GroupModes},
	},
	{
		Slug:           "orchestrator",
		Name:           "Orchestrator",
		RoleDefinition: "You are a strategic workflow orchestrator who coordinates complex tasks by delegating them to appropriate specialized modes. You break work into subtasks with new_task and synthesize their results.",
		WhenToUse:      "Complex, multi-step projects that need coordination across specialties.",
		Groups:         []ToolGroup{GroupModes},
	},
}

// ModeRegistry holds the built-in modes and any custom overrides.
type ModeRegistry struct {
	mu    sync.RWMutex
	modes map[string]Mode
	order []string
}

// NewModeRegistry creates a registry of the built-in modes overlaid with
// custom. A custom mode replaces the built-in mode with the same slug.
func NewModeRegistry(custom ...Mode) *ModeRegistry {
	r := &ModeRegistry{modes: make(map[string]Mode)}
	for _, m := range builtinModes {
		r.put(m)
	}
	for _, m := range custom {
		r.put(m)
	}
	return r
}

func (r *ModeRegistry) put(m Mode) {
	if _, ok := r.modes[m.Slug]; !ok {
		r.order = append(r.order, m.Slug)
	}
	if m.Name == "" {
		m.Name = m.Slug
	}
	r.modes[m.Slug] = m
}

// Get returns the mode for slug.
func (r *ModeRegistry) Get(slug string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[slug]
	return m, ok
}

// Resolve returns the mode for slug or ErrInvalidMode.
func (r *ModeRegistry) Resolve(slug string) (Mode, error) {
	m, ok := r.Get(slug)
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrInvalidMode, slug)
	}
	return m, nil
}

// All returns every mode, built-ins first in their declared order and
// custom modes after them by slug.
func (r *ModeRegistry) All() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builtin := make(map[string]bool, len(builtinModes))
	for _, m := range builtinModes {
		builtin[m.Slug] = true
	}
	var out, extra []Mode
	for _, slug := range r.order {
		if builtin[slug] {
			out = append(out, r.modes[slug])
		} else {
			extra = append(extra, r.modes[slug])
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Slug < extra[j].Slug })
	return append(out, extra...)
}
