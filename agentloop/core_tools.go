package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RegisterCoreTools registers the workspace tools on a ToolRegistry. The
// tools delegate to the task's ExecutionEnvironment.
func RegisterCoreTools(reg *ToolRegistry, commandTimeoutMs int) {
	registerReadFile(reg)
	registerWriteToFile(reg)
	registerEditFile(reg)
	registerExecuteCommand(reg, commandTimeoutMs)
	registerSearchFiles(reg)
	registerListFiles(reg)
}

func toolMessage(fields map[string]string) string {
	data, _ := json.Marshal(fields)
	return string(data)
}

func optionalInt(call *ToolCall, name string) (int, error) {
	v := strings.TrimSpace(call.Param(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

func registerReadFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupRead,
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read the contents of a file. The output is prefixed with line numbers (e.g. \"1 | const x = 1\").",
			Params: []ToolParam{
				{Name: "path", Description: "Path of the file to read, relative to the workspace.", Required: true},
				{Name: "start_line", Description: "1-based line to start reading from."},
				{Name: "end_line", Description: "1-based inclusive line to stop reading at."},
			},
			Example: "<read_file>\n<path>src/main.go</path>\n</read_file>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			path := call.Param("path")
			start, err := optionalInt(call, "start_line")
			if err != nil {
				return "", err
			}
			end, err := optionalInt(call, "end_line")
			if err != nil {
				return "", err
			}
			if err := call.Approve(ctx, GroupRead, AskTool, toolMessage(map[string]string{"tool": "readFile", "path": path})); err != nil {
				return "", err
			}
			content, err := call.Env().ReadFile(path, start, end)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("<file><path>%s</path>\n<content>\n%s</content>\n</file>", path, content), nil
		},
	})
}

func registerWriteToFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupEdit,
		Definition: ToolDefinition{
			Name:        "write_to_file",
			Description: "Write complete content to a file, creating it and any parent directories if needed. Existing files are overwritten.",
			Params: []ToolParam{
				{Name: "path", Description: "Path of the file to write, relative to the workspace.", Required: true},
				{Name: "content", Description: "The complete file content. Never truncate or elide parts of the file.", Required: true},
				{Name: "line_count", Description: "Number of lines in content, used to detect truncated output."},
			},
			Example: "<write_to_file>\n<path>hello.txt</path>\n<content>\nhello\n</content>\n<line_count>1</line_count>\n</write_to_file>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			path := call.Param("path")
			content := call.Param("content")
			if want, err := optionalInt(call, "line_count"); err == nil && want > 0 {
				if got := strings.Count(strings.TrimSuffix(content, "\n"), "\n") + 1; got < want {
					return "", fmt.Errorf("content has %d lines but line_count is %d; the output was likely truncated, write the complete file", got, want)
				}
			}
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			return writeWithApproval(ctx, call, path, content, "newFileCreated")
		},
	})
}

func registerEditFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupEdit,
		Definition: ToolDefinition{
			Name: "edit_file",
			Description: "Apply targeted edits to an existing file using SEARCH/REPLACE blocks. Each search text must match " +
				"exactly once, including whitespace and indentation.",
			Params: []ToolParam{
				{Name: "path", Description: "Path of the file to modify, relative to the workspace.", Required: true},
				{Name: "diff", Description: "One or more SEARCH/REPLACE blocks.", Required: true},
			},
			Example: "<edit_file>\n<path>main.go</path>\n<diff>\n<<<<<<< SEARCH\nfmt.Println(\"hi\")\n=======\nfmt.Println(\"hello\")\n>>>>>>> REPLACE\n</diff>\n</edit_file>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			path := call.Param("path")
			if !call.Env().FileExists(path) {
				return "", fmt.Errorf("file does not exist at path: %s", path)
			}
			blocks, err := parseSearchReplace(call.Param("diff"))
			if err != nil {
				return "", err
			}
			original, err := call.Env().ReadFileRaw(path)
			if err != nil {
				return "", err
			}
			updated, err := applySearchReplace(original, blocks)
			if err != nil {
				return "", fmt.Errorf("%s: %w", path, err)
			}
			return writeWithApproval(ctx, call, path, updated, "editedExistingFile")
		},
	})
}

// writeWithApproval opens an EditSession with content, asks for approval
// and commits or reverts it.
func writeWithApproval(ctx context.Context, call *ToolCall, path, content, action string) (string, error) {
	mode := call.Task.currentMode()
	ok, err := mode.AllowsPath(path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s mode may only edit files matching %s, not %s", mode.Slug, mode.FileRegex, path)
	}

	if call.Env().FileExists(path) && action == "newFileCreated" {
		action = "editedExistingFile"
	}
	edit := call.Task.edit
	if err := edit.Open(path, content); err != nil {
		return "", err
	}
	if err := call.Approve(ctx, GroupEdit, AskTool, toolMessage(map[string]string{"tool": action, "path": path, "content": content})); err != nil {
		if rerr := edit.Revert(); rerr != nil {
			call.Task.logger.Warn("revert edit", "path", path, "error", rerr)
		}
		return "", err
	}
	edit.Commit()
	return fmt.Sprintf("The content was successfully saved to %s.", path), nil
}

func registerExecuteCommand(reg *ToolRegistry, timeoutMs int) {
	reg.Register(RegisteredTool{
		Group: GroupCommand,
		Definition: ToolDefinition{
			Name:        "execute_command",
			Description: "Execute a CLI command on the system. Prefer commands that do not require interaction.",
			Params: []ToolParam{
				{Name: "command", Description: "The command to execute.", Required: true},
				{Name: "cwd", Description: "Working directory for the command, relative to the workspace."},
			},
			Example: "<execute_command>\n<command>go test ./...</command>\n</execute_command>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			command := call.Param("command")
			if err := call.Approve(ctx, GroupCommand, AskCommand, command); err != nil {
				return "", err
			}

			runCtx, cancel := call.Task.withAbort(ctx)
			defer cancel()
			result, err := call.Env().RunCommand(runCtx, command, call.Param("cwd"), time.Duration(timeoutMs)*time.Millisecond)
			if err != nil {
				return "", err
			}

			output := result.Output
			call.Say(ctx, SayCommandOutput, output)

			var sb strings.Builder
			if strings.TrimSpace(output) == "" {
				sb.WriteString("Command executed with no output.")
			} else {
				fmt.Fprintf(&sb, "Command executed. Output:\n%s", output)
			}
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above.]", timeoutMs)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return sb.String(), nil
		},
	})
}

func registerSearchFiles(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupRead,
		Definition: ToolDefinition{
			Name:        "search_files",
			Description: "Perform a regex search across files in a directory. Returns matching lines with file paths and line numbers.",
			Params: []ToolParam{
				{Name: "path", Description: "Directory to search recursively, relative to the workspace.", Required: true},
				{Name: "regex", Description: "Regular expression pattern to search for.", Required: true},
				{Name: "file_pattern", Description: "Glob to filter files, e.g. \"*.go\", \"*.{ts,tsx}\" or \"internal/**/*.go\"."},
			},
			Example: "<search_files>\n<path>.</path>\n<regex>func main</regex>\n<file_pattern>*.go</file_pattern>\n</search_files>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			path, regex := call.Param("path"), call.Param("regex")
			if err := call.Approve(ctx, GroupRead, AskTool, toolMessage(map[string]string{"tool": "searchFiles", "path": path, "regex": regex})); err != nil {
				return "", err
			}
			matches, err := call.Env().SearchFiles(ctx, path, regex, call.Param("file_pattern"), searchResultLimit)
			if err != nil {
				return "", err
			}
			return formatSearchMatches(matches), nil
		},
	})
}

func registerListFiles(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Group: GroupRead,
		Definition: ToolDefinition{
			Name:        "list_files",
			Description: "List files and directories within a directory, optionally recursively.",
			Params: []ToolParam{
				{Name: "path", Description: "Directory to list, relative to the workspace.", Required: true},
				{Name: "recursive", Description: "true to list recursively."},
			},
			Example: "<list_files>\n<path>.</path>\n<recursive>false</recursive>\n</list_files>",
		},
		Executor: func(ctx context.Context, call *ToolCall) (string, error) {
			path := call.Param("path")
			recursive := strings.EqualFold(strings.TrimSpace(call.Param("recursive")), "true")
			if err := call.Approve(ctx, GroupRead, AskTool, toolMessage(map[string]string{"tool": "listFiles", "path": path})); err != nil {
				return "", err
			}
			entries, truncated, err := call.Env().ListFiles(path, recursive, 500)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "No files found.", nil
			}
			return formatDirEntries(entries, truncated), nil
		},
	})
}

// searchResultLimit caps the matches returned by search_files.
const searchResultLimit = 300

func formatSearchMatches(matches []SearchMatch) string {
	if len(matches) == 0 {
		return "Found 0 results."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d result(s).\n", len(matches))
	if len(matches) >= searchResultLimit {
		sb.WriteString("(Results capped; narrow the path or regex to see more.)\n")
	}
	prev := ""
	for _, m := range matches {
		if m.Path != prev {
			fmt.Fprintf(&sb, "\n# %s\n", m.Path)
			prev = m.Path
		}
		fmt.Fprintf(&sb, "%d | %s\n", m.Line, m.Text)
	}
	return sb.String()
}
