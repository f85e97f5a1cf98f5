package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxWorkingMemorySnippet bounds how much of a tool's output is folded into
// a working-memory summary, so one verbose tool call can't crowd out the
// rest of the planning context.
const maxWorkingMemorySnippet = 500

// toolExecutionRecord is one completed tool call kept in working memory.
type toolExecutionRecord struct {
	ToolName  string
	Arguments string
	Output    string
	Success   bool
	Error     string
	Recorded  time.Time
}

// workingMemory accumulates tool outputs across the iterations of a single
// Process call, independent of the session's own message history. Session
// history is token-trimmed and may drop an older tool result entirely;
// working memory is not trimmed and lives only for the one call, so a later
// iteration can still be told what an earlier tool returned by name. It is
// discarded once Process returns.
type workingMemory struct {
	mu   sync.Mutex
	byTool map[string][]toolExecutionRecord
}

func newWorkingMemory() *workingMemory {
	return &workingMemory{byTool: make(map[string][]toolExecutionRecord)}
}

// record appends one completed tool execution under its tool name.
func (w *workingMemory) record(name, arguments, output string, success bool, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byTool[name] = append(w.byTool[name], toolExecutionRecord{
		ToolName:  name,
		Arguments: arguments,
		Output:    output,
		Success:   success,
		Error:     errMsg,
		Recorded:  time.Now(),
	})
}

// latest returns the most recently recorded execution of name, if any.
func (w *workingMemory) latest(name string) (toolExecutionRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	records := w.byTool[name]
	if len(records) == 0 {
		return toolExecutionRecord{}, false
	}
	return records[len(records)-1], true
}

// empty reports whether any tool execution has been recorded yet.
func (w *workingMemory) empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byTool) == 0
}

// summary renders one line per distinct tool executed so far, its most
// recent outcome, so the next planning call can reference an earlier
// result by name without the full session history carrying it.
func (w *workingMemory) summary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.byTool) == 0 {
		return ""
	}

	names := make([]string, 0, len(w.byTool))
	for name := range w.byTool {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Working memory (tool results from earlier in this execution):\n")
	for _, name := range names {
		records := w.byTool[name]
		last := records[len(records)-1]
		status := "ok"
		if !last.Success {
			status = "error: " + truncateSnippet(last.Error, maxWorkingMemorySnippet)
		}
		fmt.Fprintf(&b, "- %s (%d call(s), last %s): %s\n", name, len(records), status, truncateSnippet(last.Output, maxWorkingMemorySnippet))
	}
	return b.String()
}

func truncateSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
