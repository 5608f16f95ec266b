package analyzer

import (
	"fmt"
	"regexp"
)

// linePattern is one row of the ordered classification table: a matcher, the
// finding kind it produces, and submatch indices for extraction. The first
// pattern matching a line wins.
type linePattern struct {
	name      string
	kind      Kind
	re        *regexp.Regexp
	msgGroup  int // submatch index for the message, 0 = whole line
	fileGroup int // submatch index for the source file, 0 = none
	lineGroup int // submatch index for the line number, 0 = none
}

// PatternSpec is the config-file form of a pattern. Adding a log signature
// is a data change, not a code change.
type PatternSpec struct {
	Name      string `yaml:"name" json:"name"`
	Kind      string `yaml:"kind" json:"kind"`
	Regex     string `yaml:"regex" json:"regex"`
	MsgGroup  int    `yaml:"msg_group" json:"msg_group"`
	FileGroup int    `yaml:"file_group" json:"file_group"`
	LineGroup int    `yaml:"line_group" json:"line_group"`
}

func (s PatternSpec) compile() (linePattern, error) {
	var kind Kind
	switch s.Kind {
	case "error":
		kind = KindError
	case "stack-frame":
		kind = KindStackFrame
	case "warning":
		kind = KindWarning
	case "info":
		kind = KindInfo
	default:
		return linePattern{}, fmt.Errorf("pattern %s: kind must be error, stack-frame, warning, or info, got %q", s.Name, s.Kind)
	}

	re, err := regexp.Compile(s.Regex)
	if err != nil {
		return linePattern{}, fmt.Errorf("pattern %s: compiling regex: %w", s.Name, err)
	}

	return linePattern{
		name:      s.Name,
		kind:      kind,
		re:        re,
		msgGroup:  s.MsgGroup,
		fileGroup: s.FileGroup,
		lineGroup: s.LineGroup,
	}, nil
}

// defaultPatterns covers common compiler and test-runner output shapes.
// Order matters: location-bearing patterns sit above their generic fallbacks.
func defaultPatterns() []linePattern {
	return []linePattern{
		{
			name:      "compiler_error",
			kind:      KindError,
			re:        regexp.MustCompile(`^(\S+?):(\d+)(?::\d+)?:\s*(?:fatal )?error[:,]?\s*(.*)$`),
			fileGroup: 1, lineGroup: 2, msgGroup: 3,
		},
		{
			name:      "compiler_warning",
			kind:      KindWarning,
			re:        regexp.MustCompile(`^(\S+?):(\d+)(?::\d+)?:\s*warning[:,]?\s*(.*)$`),
			fileGroup: 1, lineGroup: 2, msgGroup: 3,
		},
		{
			name:      "go_compiler_error",
			kind:      KindError,
			re:        regexp.MustCompile(`^(\S+\.go):(\d+)(?::\d+)?:\s+(.+)$`),
			fileGroup: 1, lineGroup: 2, msgGroup: 3,
		},
		{
			name:      "error_with_location",
			kind:      KindError,
			re:        regexp.MustCompile(`(?i)^\s*(?:error|fatal)[:\s]+(.*?)\s+at\s+(\S+?):(\d+)\)?\s*$`),
			msgGroup:  1,
			fileGroup: 2, lineGroup: 3,
		},
		{
			name: "go_panic",
			kind: KindError,
			re:   regexp.MustCompile(`^panic: .*`),
		},
		{
			name: "go_test_fail",
			kind: KindError,
			re:   regexp.MustCompile(`^--- FAIL: .*`),
		},
		{
			name: "go_test_suite_fail",
			kind: KindError,
			re:   regexp.MustCompile(`^FAIL(\s.*)?$`),
		},
		{
			name: "python_traceback",
			kind: KindError,
			re:   regexp.MustCompile(`^Traceback \(most recent call last\)`),
		},
		{
			name:     "named_exception",
			kind:     KindError,
			re:       regexp.MustCompile(`^\s*([A-Za-z_][\w.]*(?:Error|Exception)):\s+(.*)$`),
			msgGroup: 2,
		},
		{
			name: "assertion_failure",
			kind: KindError,
			re:   regexp.MustCompile(`(?i)\bassert(?:ion)?\s?(?:failed|error)\b`),
		},
		{
			name: "generic_error",
			kind: KindError,
			re:   regexp.MustCompile(`(?i)^\s*(?:error|fatal)\b[:\s].*`),
		},
		{
			name:      "js_stack_frame",
			kind:      KindStackFrame,
			re:        regexp.MustCompile(`^\s+at\s+.*?\(?([^\s()]+?):(\d+)(?::\d+)?\)?$`),
			fileGroup: 1, lineGroup: 2,
		},
		{
			name:      "python_stack_frame",
			kind:      KindStackFrame,
			re:        regexp.MustCompile(`^\s*File "(.+?)", line (\d+)`),
			fileGroup: 1, lineGroup: 2,
		},
		{
			name:      "go_stack_frame",
			kind:      KindStackFrame,
			re:        regexp.MustCompile(`^\s+(\S+\.go):(\d+)(?:[:\s].*)?$`),
			fileGroup: 1, lineGroup: 2,
		},
		{
			name: "generic_warning",
			kind: KindWarning,
			re:   regexp.MustCompile(`(?i)^\s*(?:warning|warn)\b[:\s].*`),
		},
		{
			name: "deprecation",
			kind: KindWarning,
			re:   regexp.MustCompile(`(?i)\bdeprecat(?:ed|ion)\b`),
		},
	}
}
