package security

import (
	"sort"
	"strings"
)

// defaultAllowed is the fixed set of commands considered safe to execute
// inside a sandbox: read/write plumbing, interpreters, and archive tools.
var defaultAllowed = []string{
	"echo", "cat", "ls", "pwd", "head", "tail", "grep", "wc", "sort",
	"python", "python3", "python2", "node",
	"bash", "sh", "zsh",
	"test", "[", "true", "false",
	"which", "type", "env", "printenv",
	"mkdir", "touch", "cp", "mv", "ln", "readlink", "stat", "file",
	"find", "xargs", "sed", "awk", "cut", "tr", "uniq", "diff", "cmp",
	"tar", "gzip", "gunzip", "zip", "unzip",
	"sleep",
}

// defaultDenied is defense in depth: destructive commands rejected
// explicitly even if a future change accidentally widens the allow-set.
var defaultDenied = []string{
	"rm", "rmdir", "unlink", "del",
	"format", "mkfs", "dd", "fdisk",
	"shutdown", "reboot", "halt", "poweroff", "init",
	"killall", "sudo", "su",
	"chmod", "chown", "chgrp",
	"mount", "umount",
}

// Reason classifies why a command vector was rejected.
type Reason string

const (
	ReasonAllowed    Reason = "allowed"
	ReasonEmpty      Reason = "empty"
	ReasonDenied     Reason = "denied"
	ReasonNotAllowed Reason = "not_allowed"
)

// Decision is the outcome of validating a command vector, carrying the
// specific rejection reason for diagnostics. Security posture depends only
// on Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
	Command string // lower-cased argv[0], empty for an empty vector
}

// Validator decides whether a command vector may be executed.
// Deny-first evaluation, then allow-list membership: anything not
// explicitly allow-listed is rejected. Safe for concurrent use after
// construction.
type Validator struct {
	allowed map[string]struct{}
	denied  map[string]struct{}
}

// NewValidator creates a validator from the built-in allow/deny sets,
// extended with the given extra entries (lower-cased).
func NewValidator(extraAllow, extraDeny []string) *Validator {
	v := &Validator{
		allowed: make(map[string]struct{}, len(defaultAllowed)+len(extraAllow)),
		denied:  make(map[string]struct{}, len(defaultDenied)+len(extraDeny)),
	}
	for _, c := range defaultAllowed {
		v.allowed[c] = struct{}{}
	}
	for _, c := range extraAllow {
		v.allowed[strings.ToLower(c)] = struct{}{}
	}
	for _, c := range defaultDenied {
		v.denied[c] = struct{}{}
	}
	for _, c := range extraDeny {
		v.denied[strings.ToLower(c)] = struct{}{}
	}
	return v
}

// Decide evaluates argv and returns the full decision.
func (v *Validator) Decide(argv []string) Decision {
	if len(argv) == 0 {
		return Decision{Allowed: false, Reason: ReasonEmpty}
	}
	command := strings.ToLower(argv[0])
	if _, blocked := v.denied[command]; blocked {
		return Decision{Allowed: false, Reason: ReasonDenied, Command: command}
	}
	if _, ok := v.allowed[command]; !ok {
		return Decision{Allowed: false, Reason: ReasonNotAllowed, Command: command}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, Command: command}
}

// Validate reports whether argv may be executed.
func (v *Validator) Validate(argv []string) bool {
	return v.Decide(argv).Allowed
}

// IsAllowed reports whether name is in the allow-set.
func (v *Validator) IsAllowed(name string) bool {
	_, ok := v.allowed[strings.ToLower(name)]
	return ok
}

// IsBlocked reports whether name is in the deny-set.
func (v *Validator) IsBlocked(name string) bool {
	_, ok := v.denied[strings.ToLower(name)]
	return ok
}

// AllowedCommands returns the allow-set, sorted, for diagnostics.
func (v *Validator) AllowedCommands() []string {
	out := make([]string, 0, len(v.allowed))
	for c := range v.allowed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
