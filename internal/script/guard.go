// Package script provides static analysis for server-side scripts before
// they are shipped to the instance: an ES5 compatibility lint and a
// pattern-based risk scanner. Both are pure text analysis, not parsers;
// they are best-effort gates, not certifying checkers.
package script

import (
	"regexp"
	"strings"
)

// ViolationKind identifies a disallowed language construct.
type ViolationKind string

const (
	KindDisallowedKeyword ViolationKind = "const/let"
	KindArrowFunction     ViolationKind = "arrow_function"
	KindTemplateLiteral   ViolationKind = "template_literal"
	KindDestructuring     ViolationKind = "destructuring"
	KindForOf             ViolationKind = "for_of"
	KindClassDeclaration  ViolationKind = "class_declaration"
)

// Violation is one match of a disallowed construct.
type Violation struct {
	Kind ViolationKind `json:"type"`
	Line int           `json:"line"` // 1-based
	Code string        `json:"code"` // offending text
	Fix  string        `json:"fix"`  // suggested ES5 replacement
}

type guardPattern struct {
	kind ViolationKind
	re   *regexp.Regexp
	fix  string
}

// The instance script engine is ES5 (Rhino). Each pattern targets one
// construct class; overlapping constructs may double-report.
var guardPatterns = []guardPattern{
	{
		kind: KindDisallowedKeyword,
		re:   regexp.MustCompile(`\b(?:const|let)\s+[A-Za-z_$]`),
		fix:  "use var instead of const/let",
	},
	{
		kind: KindArrowFunction,
		re:   regexp.MustCompile(`(?:\([^()]*\)|[A-Za-z_$][\w$]*)\s*=>`),
		fix:  "use function() { ... } instead of arrow functions",
	},
	{
		kind: KindTemplateLiteral,
		re:   regexp.MustCompile("`[^`]*`"),
		fix:  "use string concatenation with + instead of template literals",
	},
	{
		kind: KindDestructuring,
		re:   regexp.MustCompile(`\bvar\s*[\[{]|\b(?:const|let)\s*[\[{]`),
		fix:  "assign each field to its own variable",
	},
	{
		kind: KindForOf,
		re:   regexp.MustCompile(`\bfor\s*\([^)]*\bof\b`),
		fix:  "use an indexed for loop or a GlideRecord while/next loop",
	},
	{
		kind: KindClassDeclaration,
		re:   regexp.MustCompile(`\bclass\s+[A-Za-z_$]`),
		fix:  "use a function constructor or Class.create()",
	},
}

// Check lints code for constructs the instance script engine rejects.
// Returns nil when the code is fully compliant.
func Check(code string) []Violation {
	var violations []Violation
	for _, p := range guardPatterns {
		for _, loc := range p.re.FindAllStringIndex(code, -1) {
			violations = append(violations, Violation{
				Kind: p.kind,
				Line: 1 + strings.Count(code[:loc[0]], "\n"),
				Code: snippet(code, loc[0], loc[1]),
				Fix:  p.fix,
			})
		}
	}
	return violations
}

// snippet returns the full source line containing the match, trimmed.
func snippet(code string, start, end int) string {
	lineStart := strings.LastIndexByte(code[:start], '\n') + 1
	lineEnd := strings.IndexByte(code[end:], '\n')
	if lineEnd < 0 {
		lineEnd = len(code)
	} else {
		lineEnd += end
	}
	return strings.TrimSpace(code[lineStart:lineEnd])
}
