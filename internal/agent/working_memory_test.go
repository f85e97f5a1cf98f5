package agent

import "testing"

func TestWorkingMemoryEmptySummaryWhenNothingRecorded(t *testing.T) {
	wm := newWorkingMemory()
	if !wm.empty() {
		t.Fatal("expected empty() true before any record")
	}
	if got := wm.summary(); got != "" {
		t.Fatalf("summary() = %q, want empty", got)
	}
}

func TestWorkingMemoryRecordsLatestPerTool(t *testing.T) {
	wm := newWorkingMemory()
	wm.record("search", `{"q":"a"}`, "first result", true, "")
	wm.record("search", `{"q":"b"}`, "second result", true, "")

	last, ok := wm.latest("search")
	if !ok {
		t.Fatal("expected a recorded execution for search")
	}
	if last.Output != "second result" {
		t.Fatalf("latest().Output = %q, want %q", last.Output, "second result")
	}
}

func TestWorkingMemorySummaryIncludesEveryToolSortedByName(t *testing.T) {
	wm := newWorkingMemory()
	wm.record("zeta", `{}`, "z output", true, "")
	wm.record("alpha", `{}`, "a output", true, "")

	summary := wm.summary()
	alphaIdx := indexOf(summary, "alpha")
	zetaIdx := indexOf(summary, "zeta")
	if alphaIdx < 0 || zetaIdx < 0 || alphaIdx > zetaIdx {
		t.Fatalf("summary() = %q, want alpha before zeta", summary)
	}
}

func TestWorkingMemorySummaryReportsErrorStatus(t *testing.T) {
	wm := newWorkingMemory()
	wm.record("exec", `{"command":"false"}`, "", false, "exit status 1")

	summary := wm.summary()
	if indexOf(summary, "error: exit status 1") < 0 {
		t.Fatalf("summary() = %q, want the failure reflected", summary)
	}
}

func TestTruncateSnippetLeavesShortStringsUntouched(t *testing.T) {
	if got := truncateSnippet("short", 10); got != "short" {
		t.Fatalf("truncateSnippet() = %q, want unchanged", got)
	}
}

func TestTruncateSnippetCutsLongStrings(t *testing.T) {
	got := truncateSnippet("0123456789abcdef", 4)
	if got != "0123…" {
		t.Fatalf("truncateSnippet() = %q, want %q", got, "0123…")
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
