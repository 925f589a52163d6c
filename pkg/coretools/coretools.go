// Package coretools registers the built-in tools every engine ships with:
// workspace file access, event publishing and run history lookups.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ironsail-llc/robothor/pkg/agent"
	"github.com/ironsail-llc/robothor/pkg/eventlog"
	"github.com/ironsail-llc/robothor/pkg/store"
	"github.com/ironsail-llc/robothor/pkg/tools"
)

const (
	defaultMaxBytes  = 200000
	maxListEntries   = 500
	maxRecentRuns    = 50
	runOutputPreview = 500
)

// Publisher appends events to a stream. eventlog.Log satisfies it.
type Publisher interface {
	Publish(ctx context.Context, stream string, ev eventlog.Event, maxLen int64) (string, error)
}

// RunLister reads run history. *store.Store satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]*agent.AgentRun, error)
}

// Options configures core tool registration. Tools whose dependency is nil
// are not registered.
type Options struct {
	Publisher    Publisher
	StreamMaxLen int64
	Runs         RunLister
	Now          func() time.Time
}

// Register adds the core tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	defs := []tools.Definition{
		readFileTool(),
		writeFileTool(),
		editFileTool(),
		listFilesTool(),
		currentTimeTool(opts),
	}
	if opts.Publisher != nil {
		defs = append(defs, publishEventTool(opts))
	}
	if opts.Runs != nil {
		defs = append(defs, recentRunsTool(opts))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool() tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultMaxBytes},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			pathValue, _ := inv.Args["path"].(string)
			target, err := resolvePathInWorkspace(inv.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			maxBytes := int64(defaultMaxBytes)
			if raw, ok := inv.Args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}
			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool() tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			pathValue, _ := inv.Args["path"].(string)
			target, err := resolvePathInWorkspace(inv.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := inv.Args["content"].(string)
			appendMode, _ := inv.Args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			return map[string]any{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool() tools.Definition {
	return tools.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			pathValue, _ := inv.Args["path"].(string)
			target, err := resolvePathInWorkspace(inv.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := inv.Args["search"].(string)
			replace, _ := inv.Args["replace"].(string)
			replaceAll, _ := inv.Args["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)
			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				updated = strings.Replace(content, search, replace, 1)
			}
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]any{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func listFilesTool() tools.Definition {
	return tools.Definition{
		Name:        "list_files",
		Description: "List files under a workspace directory.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory (default workspace root)"},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			pathValue, _ := inv.Args["path"].(string)
			if pathValue == "" {
				pathValue = "."
			}
			root, err := resolvePathInWorkspace(inv.Workspace, pathValue)
			if err != nil {
				return nil, err
			}
			recursive, _ := inv.Args["recursive"].(bool)

			var files []string
			truncated := false
			err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if p == root {
					return nil
				}
				if strings.HasPrefix(d.Name(), ".") {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if len(files) >= maxListEntries {
					truncated = true
					return filepath.SkipAll
				}
				rel, _ := filepath.Rel(root, p)
				if d.IsDir() {
					files = append(files, rel+"/")
					if !recursive {
						return filepath.SkipDir
					}
					return nil
				}
				files = append(files, rel)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"path":      pathValue,
				"files":     files,
				"truncated": truncated,
			}, nil
		},
	}
}

func currentTimeTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "current_time",
		Description: "Return the current time, optionally in an IANA timezone.",
		Parameters: []tools.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone such as America/New_York"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			now := opts.Now()
			if tz, _ := inv.Args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				now = now.In(loc)
			}
			return map[string]any{
				"time":    now.Format(time.RFC3339),
				"weekday": now.Weekday().String(),
			}, nil
		},
	}
}

func publishEventTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "publish_event",
		Description: "Publish an event to a stream so that other agents can react to it.",
		Parameters: []tools.Parameter{
			{Name: "stream", Type: "string", Description: "Target stream", Required: true},
			{Name: "type", Type: "string", Description: "Event type, e.g. task.created", Required: true},
			{Name: "payload", Type: "object", Description: "Event payload"},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			stream, _ := inv.Args["stream"].(string)
			eventType, _ := inv.Args["type"].(string)
			stream = strings.TrimSpace(stream)
			if stream == "" || strings.TrimSpace(eventType) == "" {
				return nil, fmt.Errorf("stream and type are required")
			}
			if strings.HasSuffix(stream, eventlog.DeadLetterSuffix) {
				return nil, fmt.Errorf("publishing to a dead-letter stream is not allowed")
			}
			payload, _ := inv.Args["payload"].(map[string]any)

			id, err := opts.Publisher.Publish(ctx, stream, eventlog.Event{
				Type:      eventType,
				Source:    inv.AgentID,
				Payload:   payload,
				Timestamp: opts.Now(),
			}, opts.StreamMaxLen)
			if err != nil {
				return nil, fmt.Errorf("failed to publish: %w", err)
			}
			return map[string]any{"stream": stream, "id": id}, nil
		},
	}
}

func recentRunsTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "recent_runs",
		Description: "List recent runs of an agent, newest first.",
		Parameters: []tools.Parameter{
			{Name: "agent_id", Type: "string", Description: "Agent to inspect (default: the calling agent)"},
			{Name: "status", Type: "string", Description: "Filter by status: completed, failed, timeout, cancelled, running"},
			{Name: "limit", Type: "integer", Description: "Maximum runs to return (default 5)", Default: 5},
		},
		Handler: func(ctx context.Context, inv tools.Invocation) (any, error) {
			agentID, _ := inv.Args["agent_id"].(string)
			if agentID == "" {
				agentID = inv.AgentID
			}
			status, _ := inv.Args["status"].(string)
			limit := 5
			if raw, ok := inv.Args["limit"].(float64); ok && raw > 0 {
				limit = min(int(raw), maxRecentRuns)
			}

			runs, err := opts.Runs.ListRuns(ctx, store.RunFilter{
				AgentID: agentID,
				Status:  agent.RunStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(runs))
			for _, run := range runs {
				if run.ID == inv.RunID {
					continue
				}
				item := map[string]any{
					"run_id":      run.ID,
					"status":      string(run.Status),
					"trigger":     string(run.Trigger.Kind),
					"started_at":  run.StartedAt.Format(time.RFC3339),
					"duration_ms": run.DurationMs,
				}
				if run.Output != "" {
					item["output"] = preview(run.Output, runOutputPreview)
				}
				if run.Error != "" {
					item["error"] = preview(run.Error, runOutputPreview)
				}
				out = append(out, item)
			}
			return map[string]any{"agent_id": agentID, "runs": out}, nil
		},
	}
}

// resolvePathInWorkspace joins rel onto root and rejects paths that leave it.
func resolvePathInWorkspace(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(absRoot, rel)
	inside, err := filepath.Rel(absRoot, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return target, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultMaxBytes
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
