package sandbox

import (
	"strings"

	"github.com/agentforge/agentcore/internal/corerr"
)

// Violation records one forbidden pattern match in generated code, bucketed
// by the kind of thing it matched so the audit log can categorize it.
type Violation struct {
	Kind    string // "forbidden_import" | "forbidden_syscall"
	Pattern string
	Line    int
}

// SecurityPolicy rejects generated code containing forbidden imports or
// system calls before it is ever written to a sandbox workdir.
type SecurityPolicy struct {
	ForbiddenImports []string
	ForbiddenCalls   []string
}

// DefaultSecurityPolicy blocks the imports and calls that let generated
// code escape its sandbox: process spawning, raw sockets, and reflective
// code loading.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		ForbiddenImports: []string{
			"os/exec", "subprocess", "child_process", "ctypes", "socket",
			"net", "syscall", "unsafe",
		},
		ForbiddenCalls: []string{
			"eval(", "exec(", "os.system(", "__import__(", "compile(",
		},
	}
}

// Check scans code for forbidden imports/calls and returns every match
// found; an empty slice means the code is clear to run.
func (p SecurityPolicy) Check(code string) []Violation {
	var violations []Violation
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, imp := range p.ForbiddenImports {
			if containsImport(line, imp) {
				violations = append(violations, Violation{Kind: "forbidden_import", Pattern: imp, Line: i + 1})
			}
		}
		for _, call := range p.ForbiddenCalls {
			if strings.Contains(line, call) {
				violations = append(violations, Violation{Kind: "forbidden_syscall", Pattern: call, Line: i + 1})
			}
		}
	}
	return violations
}

// containsImport matches both Python ("import x", "from x import") and
// JS/TS ("require('x')", "from 'x'") import forms for a given module name.
func containsImport(line, module string) bool {
	trimmed := strings.TrimSpace(line)
	candidates := []string{
		"import " + module,
		"from " + module,
		"require(\"" + module + "\")",
		"require('" + module + "')",
		"from \"" + module + "\"",
		"from '" + module + "'",
	}
	for _, c := range candidates {
		if strings.Contains(trimmed, c) {
			return true
		}
	}
	return false
}

// errPolicyViolation wraps corerr.ErrPolicyViolation with the concrete
// violation list so callers can render an audit entry categorized by kind.
func errPolicyViolation(violations []Violation) error {
	kinds := make([]string, 0, len(violations))
	for _, v := range violations {
		kinds = append(kinds, v.Kind+":"+v.Pattern)
	}
	return corerr.New("SecurityPolicy.Check", "policy_violation", strings.Join(kinds, ","), corerr.ErrPolicyViolation)
}
