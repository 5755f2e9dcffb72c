package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultTools are the executables builds may invoke unless configured otherwise.
var DefaultTools = []string{"git", "npm", "mvn", "docker", "kubectl"}

// forbiddenOperators must never appear in an argument, even though commands are spawned without a shell.
var forbiddenOperators = []string{"&&", "|", ";", "`", "$("}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AllowList is a case-insensitive set of tool names.
type AllowList struct {
	tools map[string]struct{}
}

// NewAllowList creates an allow-list from tool names. With no names, DefaultTools are used.
func NewAllowList(tools ...string) *AllowList {
	if len(tools) == 0 {
		tools = DefaultTools
	}
	l := &AllowList{tools: make(map[string]struct{}, len(tools))}
	for _, tool := range tools {
		if tool = strings.ToLower(strings.TrimSpace(tool)); tool != "" {
			l.tools[tool] = struct{}{}
		}
	}
	return l
}

// Resolve returns the canonical executable name for tool or ErrDisallowedTool.
func (l *AllowList) Resolve(tool string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(tool))
	if _, ok := l.tools[name]; !ok || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %s. Allowed tools: %s", ErrDisallowedTool, tool, l)
	}
	return name, nil
}

// Names of the allowed tools, sorted.
func (l *AllowList) Names() []string {
	names := make([]string, 0, len(l.tools))
	for name := range l.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *AllowList) String() string {
	return strings.Join(l.Names(), ", ")
}

// ValidateArgs rejects arguments containing shell operators.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		for _, op := range forbiddenOperators {
			if strings.Contains(arg, op) {
				return fmt.Errorf("%w: %q found in argument", ErrForbiddenOperator, op)
			}
		}
	}
	return nil
}

// ValidateEnv rejects malformed variables and attempts to override PATH.
func ValidateEnv(env []string) error {
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !envKeyPattern.MatchString(key) {
			return fmt.Errorf("%w: %q", ErrInvalidEnv, key)
		}
		if strings.EqualFold(key, "PATH") {
			return fmt.Errorf("%w: PATH may not be overridden", ErrInvalidEnv)
		}
	}
	return nil
}

// Validate checks a request against the allow-list and returns the resolved tool name.
func (l *AllowList) Validate(req Request) (string, error) {
	tool, err := l.Resolve(req.Tool)
	if err != nil {
		return "", err
	}
	if err := ValidateArgs(req.Args); err != nil {
		return "", err
	}
	if err := ValidateEnv(req.Env); err != nil {
		return "", err
	}
	return tool, nil
}
