package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// environmentFileLimit bounds the file listing in environment details.
const environmentFileLimit = 200

// BuildSystemPrompt renders the system prompt for mode: role definition,
// tool-use protocol, the tools the mode allows, the modes available for
// switching, rules, system information, objective and custom instructions.
func BuildSystemPrompt(env ExecutionEnvironment, mode Mode, tools *ToolRegistry, modes *ModeRegistry, customInstructions string) string {
	var sb strings.Builder
	sb.WriteString(mode.RoleDefinition)
	sb.WriteString("\n\n====\n\nTOOL USE\n\n")
	sb.WriteString("You have access to a set of tools that are executed upon the user's approval. " +
		"You can use one tool per message, and will receive the result of that tool use in the user's response. " +
		"You use tools step-by-step to accomplish a given task, with each tool use informed by the result of the previous tool use.\n\n")
	sb.WriteString("# Tool Use Formatting\n\n" +
		"Tool use is formatted using XML-style tags. The tool name is enclosed in opening and closing tags, " +
		"and each parameter is similarly enclosed within its own set of tags:\n\n" +
		"<tool_name>\n<parameter1_name>value1</parameter1_name>\n<parameter2_name>value2</parameter2_name>\n</tool_name>\n\n")

	sb.WriteString("# Tools\n")
	for _, tool := range tools.Tools() {
		if !mode.Allows(tool) {
			continue
		}
		def := tool.Definition
		fmt.Fprintf(&sb, "\n## %s\nDescription: %s\n", def.Name, def.Description)
		if len(def.Params) > 0 {
			sb.WriteString("Parameters:\n")
			for _, p := range def.Params {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&sb, "- %s: (%s) %s\n", p.Name, req, p.Description)
			}
		}
		fmt.Fprintf(&sb, "Usage:\n%s\n", def.Usage())
		if def.Example != "" {
			fmt.Fprintf(&sb, "Example:\n%s\n", def.Example)
		}
	}

	sb.WriteString("\n====\n\nMODES\n\n")
	for _, m := range modes.All() {
		fmt.Fprintf(&sb, "* \"%s\" mode (%s): %s\n", m.Name, m.Slug, m.WhenToUse)
	}

	sb.WriteString("\n====\n\nRULES\n\n")
	fmt.Fprintf(&sb, "- The project base directory is: %s\n", env.WorkingDirectory())
	sb.WriteString("- Use exactly one tool per message and wait for its result before continuing.\n" +
		"- When the task is done, use attempt_completion. Do not end your result with a question.\n" +
		"- Use ask_followup_question only when you cannot proceed without more information.\n")
	if mode.FileRegex != "" {
		fmt.Fprintf(&sb, "- In this mode you may only edit files matching %s.\n", mode.FileRegex)
	}

	sb.WriteString("\n====\n\nSYSTEM INFORMATION\n\n")
	sb.WriteString(BuildEnvironmentContext(env))

	sb.WriteString("\n\n====\n\nOBJECTIVE\n\n" +
		"Accomplish the given task iteratively, breaking it down into clear steps and working through them methodically. " +
		"Before calling a tool, think about which tool is most relevant inside <thinking></thinking> tags.\n")

	var custom []string
	if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
		custom = append(custom, docs)
	}
	if mode.CustomInstructions != "" {
		custom = append(custom, "Mode-specific Instructions:\n"+mode.CustomInstructions)
	}
	if customInstructions != "" {
		custom = append(custom, "Global Instructions:\n"+customInstructions)
	}
	if len(custom) > 0 {
		sb.WriteString("\n====\n\nUSER'S CUSTOM INSTRUCTIONS\n\n")
		sb.WriteString(strings.Join(custom, "\n\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildEnvironmentDetails renders the <environment_details> block sent
// with every turn. The workspace listing is only gathered when full is
// true.
func BuildEnvironmentDetails(env ExecutionEnvironment, mode Mode, now time.Time, full bool) string {
	var sb strings.Builder
	sb.WriteString("<environment_details>\n")
	fmt.Fprintf(&sb, "# Current Time\n%s\n\n", now.Format("1/2/2006, 3:04:05 PM (MST, UTC-07:00)"))
	fmt.Fprintf(&sb, "# Current Mode\n<slug>%s</slug>\n<name>%s</name>\n", mode.Slug, mode.Name)

	if full && env != nil {
		dir := env.WorkingDirectory()
		fmt.Fprintf(&sb, "\n# Current Workspace Directory (%s) Files\n", dir)
		entries, truncated, err := env.ListFiles(".", true, environmentFileLimit)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "(unable to list files: %v)\n", err)
		case len(entries) == 0:
			sb.WriteString("No files found.\n")
		default:
			sb.WriteString(formatDirEntries(entries, truncated))
		}
		if git := GetGitContext(dir); git != "" {
			sb.WriteString("\n")
			sb.WriteString(git)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("</environment_details>")
	return sb.String()
}

// BuildEnvironmentContext generates the system information section.
func BuildEnvironmentContext(env ExecutionEnvironment) string {
	workingDir := env.WorkingDirectory()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Operating System: %s\n", env.SystemInfo())
	fmt.Fprintf(&sb, "Default Shell: %s\n", commandShell)
	fmt.Fprintf(&sb, "Home Directory: %s\n", homeDir())
	fmt.Fprintf(&sb, "Current Workspace Directory: %s\n", workingDir)
	if branch := git(workingDir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Today's date: %s", time.Now().Format("2006-01-02"))
	return sb.String()
}

func formatDirEntries(entries []DirEntry, truncated bool) string {
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&sb, "%s\n", e.Name)
		}
	}
	if truncated {
		sb.WriteString("\n(File list truncated. Use list_files on specific subdirectories if you need to explore further.)\n")
	}
	return sb.String()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// projectDocFiles are loaded from every directory between the git root
// and the workspace.
var projectDocFiles = []string{"AGENTS.md", "CLAUDE.md", ".boomerangrules"}

const docsTruncatedNote = "[Project instructions truncated at 32KB]"

// DiscoverProjectDocs concatenates the project instruction files found
// from the git root (or workingDir outside a repository) down to
// workingDir, outermost first, capped at maxProjectDocBytes.
func DiscoverProjectDocs(workingDir string) string {
	root := git(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = workingDir
	}
	var docs []string
	budget := maxProjectDocBytes
	for _, dir := range dirsBetween(root, workingDir) {
		for _, name := range projectDocFiles {
			path := filepath.Join(dir, name)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if budget <= 0 {
				return strings.Join(append(docs, docsTruncatedNote), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > budget {
				text = text[:budget] + "\n" + docsTruncatedNote
			}
			budget -= len(text)
			docs = append(docs, fmt.Sprintf("# Rules from %s:\n%s", path, text))
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext summarizes the repository containing workingDir: branch,
// count of changed files and recent commits.
func GetGitContext(workingDir string) string {
	root := git(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := git(root, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := git(root, "status", "--short"); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", strings.Count(status, "\n")+1)
	}
	if log := git(root, "log", "--oneline", "-10"); log != "" {
		fmt.Fprintf(&sb, "Recent commits:\n%s\n", log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// dirsBetween lists root, then each directory down to target. A target
// outside root yields root alone.
func dirsBetween(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs
}

// git runs a git subcommand in dir and returns its trimmed output, or ""
// on any failure.
func git(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
