package exec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Policy configures the bash pipeline analyzer. The zero value is a
// reasonably strict default; callers narrow or widen it per deployment.
type Policy struct {
	// Strict requires every base command to appear in AllowedCommands.
	Strict bool

	// AllowNetworkCommands permits curl/wget, which are blocked by default.
	AllowNetworkCommands bool

	// AllowedCommands is consulted only when Strict is true.
	AllowedCommands map[string]bool

	// BlockedCommands extends the built-in blockedCommands set.
	BlockedCommands map[string]bool

	// BlockedPaths extends the built-in blocked redirection/cwd targets.
	BlockedPaths []string

	// EnvWhitelist lists the environment variable names a caller may set
	// through the exec tool's env overrides; override names not listed here
	// are dropped. It does not filter the gateway's own environment, which a
	// spawned process inherits in full.
	EnvWhitelist map[string]bool

	// WorkspaceRoot, when set, jails the working directory: the
	// canonicalised cwd must be a prefix of this path.
	WorkspaceRoot string
}

// DefaultPolicy returns the built-in policy described by the core security
// design: a blocklist of destructive or privilege-escalating commands, no
// network commands, and a small environment whitelist.
func DefaultPolicy() Policy {
	return Policy{
		Strict:               false,
		AllowNetworkCommands: false,
		BlockedCommands:      map[string]bool{},
		EnvWhitelist: map[string]bool{
			"PATH": true, "HOME": true, "LANG": true, "LC_ALL": true,
			"TERM": true, "TZ": true, "USER": true, "SHELL": true,
			"PWD": true, "TMPDIR": true,
		},
	}
}

// blockedCommands is the static base set rejected regardless of policy.
var blockedCommands = map[string]bool{
	"sudo": true, "su": true, "rm": true, "dd": true,
	"eval": true, "exec": true, ".": true, "source": true,
	"mkfs": true, "shutdown": true, "reboot": true, "init": true,
	"chmod": true, "chown": true, "passwd": true, "useradd": true,
	"userdel": true, "visudo": true,
}

// networkCommands are blocked unless AllowNetworkCommands is set.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "telnet": true,
}

// blockedCommandPrefixes catches versioned interpreter escapes like
// python3.11 or perl5.36 that would otherwise dodge a bare "python"/"perl"
// entry in BlockedCommands.
var blockedCommandPrefixes = []string{"python", "perl", "ruby", "php", "node"}

var versionedInterpreter = regexp.MustCompile(`^[a-z]+[0-9]+(\.[0-9]+)*$`)

// defaultBlockedPaths are forbidden as redirection targets or a working
// directory, independent of policy.
var defaultBlockedPaths = []string{"/etc", "/root", "/dev", "/proc", "/sys"}

// sensitiveDirs are protected from archive commands (tar/zip/7z) reading or
// writing into them.
var sensitiveDirs = []string{"~/.ssh", "~/.gnupg", "~/.aws", "~/.docker", "~/.kube"}

var archiveCommands = map[string]bool{"tar": true, "zip": true, "7z": true, "7za": true}

// informationalExitCommands produce exit code 1 for a "found nothing" or
// "no difference" outcome rather than a genuine failure.
var informationalExitCommands = map[string]bool{
	"grep": true, "egrep": true, "fgrep": true, "diff": true, "test": true, "[": true,
}

// envHijackPatterns are forbidden regardless of where they appear in the
// command string.
var envHijackPatterns = []string{"LD_PRELOAD=", "DYLD_INSERT_LIBRARIES=", "LD_LIBRARY_PATH="}

var globChars = regexp.MustCompile(`[*?\[\]]`)

// Violation describes why a command was rejected.
type Violation struct {
	Layer   string
	Reason  string
	Segment string
}

func (v Violation) Error() string {
	if v.Segment != "" {
		return fmt.Sprintf("%s: %s (%q)", v.Layer, v.Reason, v.Segment)
	}
	return fmt.Sprintf("%s: %s", v.Layer, v.Reason)
}

// Analyzer rejects shell commands that trip any of its layered checks.
// It never attempts to "fix" a command; it only classifies it as safe or
// unsafe, plus whether a non-zero exit from it would be informational.
type Analyzer struct {
	policy Policy
}

// NewAnalyzer builds an Analyzer bound to the given policy.
func NewAnalyzer(policy Policy) *Analyzer {
	return &Analyzer{policy: policy}
}

// Check runs all layers against command and returns the first violation
// found, or nil if the command is permitted.
func (a *Analyzer) Check(command string) *Violation {
	if v := a.checkLexical(command); v != nil {
		return v
	}
	if v := a.checkPipeline(command); v != nil {
		return v
	}
	if v := a.checkRedirections(command); v != nil {
		return v
	}
	return nil
}

// checkLexical is Layer 1: forbidden substrings that hijack process startup
// regardless of where they sit in the command line.
func (a *Analyzer) checkLexical(command string) *Violation {
	for _, pattern := range envHijackPatterns {
		if strings.Contains(command, pattern) {
			return &Violation{Layer: "lexical", Reason: "environment hijack pattern " + pattern}
		}
	}
	return nil
}

// splitSegments breaks command on the shell control operators |, &&, ||, ;.
// It is a lexical split, not a full shell parse: quoted occurrences of these
// operators are split exactly like unquoted ones, so each piece of a quoted
// argument is then checked as if it began its own command.
func splitSegments(command string) []string {
	replacer := strings.NewReplacer("&&", "\x00", "||", "\x00", "|", "\x00", ";", "\x00")
	raw := replacer.Replace(command)
	parts := strings.Split(raw, "\x00")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// baseCommand extracts the first token of a segment and strips any
// directory components, so /usr/bin/sudo is caught the same as sudo.
func baseCommand(segment string) string {
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// checkPipeline is Layer 2: per-segment command name and shape checks.
func (a *Analyzer) checkPipeline(command string) *Violation {
	if strings.Contains(command, "<(") || strings.Contains(command, ">(") {
		return &Violation{Layer: "pipeline", Reason: "process substitution is rejected", Segment: command}
	}
	if heredocPattern.MatchString(command) {
		return &Violation{Layer: "pipeline", Reason: "heredoc is rejected", Segment: command}
	}
	if strings.HasPrefix(strings.TrimSpace(command), "alias ") || strings.Contains(command, "; alias ") {
		return &Violation{Layer: "pipeline", Reason: "alias definition is rejected", Segment: command}
	}
	if functionDefPattern.MatchString(command) {
		return &Violation{Layer: "pipeline", Reason: "function definition is rejected", Segment: command}
	}

	for _, segment := range splitSegments(command) {
		name := baseCommand(segment)
		if name == "" {
			continue
		}
		if globChars.MatchString(name) {
			return &Violation{Layer: "pipeline", Reason: "glob metacharacters in command token", Segment: segment}
		}
		if a.policy.Strict {
			if !a.policy.AllowedCommands[name] {
				return &Violation{Layer: "pipeline", Reason: "command not in allowed_commands (strict mode)", Segment: segment}
			}
			continue
		}
		if blockedCommands[name] {
			return &Violation{Layer: "pipeline", Reason: "command is blocked", Segment: segment}
		}
		if a.policy.BlockedCommands[name] {
			return &Violation{Layer: "pipeline", Reason: "command is blocked by policy", Segment: segment}
		}
		if networkCommands[name] && !a.policy.AllowNetworkCommands {
			return &Violation{Layer: "pipeline", Reason: "network command requires allow_network_commands", Segment: segment}
		}
		for _, prefix := range blockedCommandPrefixes {
			if strings.HasPrefix(name, prefix) && versionedInterpreter.MatchString(name) {
				return &Violation{Layer: "pipeline", Reason: "versioned interpreter escape", Segment: segment}
			}
		}
	}
	return nil
}

var heredocPattern = regexp.MustCompile(`(^|[^>])<<`)
var functionDefPattern = regexp.MustCompile(`(^|\s)(function\s+\w+|[\w-]+\s*\(\)\s*\{)`)

// checkRedirections is Layer 3: redirection targets and archive commands
// that would read or write sensitive directories.
func (a *Analyzer) checkRedirections(command string) *Violation {
	targets := redirectionTargets(command)
	for _, target := range targets {
		if strings.ContainsAny(target, "$`") {
			return &Violation{Layer: "redirection", Reason: "redirection target expands a variable or subshell", Segment: target}
		}
		normalized := normalizePath(target)
		if normalized == "/dev/null" {
			continue
		}
		for _, blocked := range append(append([]string{}, defaultBlockedPaths...), a.policy.BlockedPaths...) {
			if pathUnder(normalized, blocked) {
				return &Violation{Layer: "redirection", Reason: "redirection target is blocked", Segment: target}
			}
		}
	}

	for _, segment := range splitSegments(command) {
		name := baseCommand(segment)
		if !archiveCommands[name] {
			continue
		}
		for _, dir := range sensitiveDirs {
			if strings.Contains(segment, dir) {
				return &Violation{Layer: "redirection", Reason: "archive command touches a sensitive directory", Segment: segment}
			}
		}
	}
	return nil
}

// redirectionTargets walks command skipping quoted spans and collects the
// token immediately following >, >>, or N> operators.
func redirectionTargets(command string) []string {
	var targets []string
	runes := []rune(command)
	inSingle, inDouble := false, false
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && c == '>':
			j := i + 1
			if j < len(runes) && runes[j] == '>' {
				j++
			}
			for j < len(runes) && runes[j] == ' ' {
				j++
			}
			start := j
			for j < len(runes) && runes[j] != ' ' && runes[j] != '\n' {
				j++
			}
			if start < j {
				targets = append(targets, string(runes[start:j]))
			}
			i = j
		}
	}
	return targets
}

func normalizePath(p string) string {
	if strings.HasPrefix(p, "~/") {
		p = "$HOME/" + p[2:]
	}
	return filepath.Clean(p)
}

func pathUnder(target, root string) bool {
	target = filepath.Clean(target)
	root = filepath.Clean(root)
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

// ValidateSendKeys is Layer 4: interactive background-process stdin lines.
// A single control character (Ctrl+C/D/Z, transmitted as \x03, \x04, \x1a)
// is always allowed. A short single-word line is checked against the
// blocked-command set directly; anything with more than one word is run
// back through Check.
func (a *Analyzer) ValidateSendKeys(line string) *Violation {
	if len(line) == 1 && (line[0] == 0x03 || line[0] == 0x04 || line[0] == 0x1a) {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) <= 1 {
		name := filepath.Base(strings.TrimSpace(line))
		if blockedCommands[name] || a.policy.BlockedCommands[name] {
			return &Violation{Layer: "send_keys", Reason: "blocked command token", Segment: line}
		}
		return nil
	}
	return a.Check(line)
}

// ValidateWorkingDir rejects cwd values under the fixed system paths, and,
// when the policy sets a WorkspaceRoot, anything outside it.
func (a *Analyzer) ValidateWorkingDir(cwd string) *Violation {
	normalized := normalizePath(cwd)
	for _, blocked := range defaultBlockedPaths {
		if pathUnder(normalized, blocked) {
			return &Violation{Layer: "cwd", Reason: "working directory is blocked", Segment: cwd}
		}
	}
	if a.policy.WorkspaceRoot != "" {
		root := filepath.Clean(a.policy.WorkspaceRoot)
		if !pathUnder(normalized, root) {
			return &Violation{Layer: "cwd", Reason: "working directory escapes workspace jail", Segment: cwd}
		}
	}
	return nil
}

// FilterEnv returns a copy of env containing only whitelisted variable
// names, per the policy's EnvWhitelist.
func (a *Analyzer) FilterEnv(env map[string]string) map[string]string {
	if len(a.policy.EnvWhitelist) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if a.policy.EnvWhitelist[k] {
			out[k] = v
		}
	}
	return out
}

// IsInformationalExit reports whether a non-zero exit code from command
// reflects a normal "not found" / "different" outcome rather than failure,
// e.g. grep or diff exiting 1 because there was no match.
func IsInformationalExit(command string, exitCode int) bool {
	if exitCode != 1 {
		return false
	}
	segments := splitSegments(command)
	if len(segments) == 0 {
		return false
	}
	last := baseCommand(segments[len(segments)-1])
	return informationalExitCommands[last]
}
