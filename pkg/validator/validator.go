// Package validator implements the Static Validator: a pure, side-effect
// free gate that rejects dangerous script source before any resource is
// committed to its execution.
package validator

import (
	"regexp"
	"strings"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Kind identifies which policy rule produced an Issue.
type Kind string

const (
	KindLength      Kind = "length"
	KindBlacklist   Kind = "blacklist"
	KindComplexity  Kind = "complexity"
	KindIdentifier  Kind = "identifier"
	KindInfiniteLoop Kind = "infinite_loop"
)

// Issue describes a single policy violation or observation.
type Issue struct {
	Severity Severity `json:"severity"`
	Kind     Kind     `json:"kind"`
	Line     int      `json:"line"`
	Detail   string   `json:"detail"`
}

// Result is the outcome of validating one source.
type Result struct {
	OK            bool    `json:"ok"`
	Issues        []Issue `json:"issues,omitempty"`
	SecurityScore int     `json:"security_score"`
}

// Limits bounds the policy's length/complexity/nesting thresholds.
type Limits struct {
	MaxLength     int
	MaxComplexity int
	MaxDepth      int
}

// DefaultLimits matches spec §4.1's stated thresholds.
func DefaultLimits() Limits {
	return Limits{MaxLength: 64 * 1024, MaxComplexity: 15, MaxDepth: 8}
}

// blacklistPatterns enumerate the dangerous-identifier set (spec §4.1.2).
var blacklistPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code construction via eval"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "dynamic code construction via Function constructor"},
	{regexp.MustCompile(`\bFunction\s*\(`), "dynamic code construction via Function constructor"},
	{regexp.MustCompile(`\bsetTimeout\s*\(`), "timer access"},
	{regexp.MustCompile(`\bsetInterval\s*\(`), "timer access"},
	{regexp.MustCompile(`\bsetImmediate\s*\(`), "timer access"},
	{regexp.MustCompile(`\brequire\s*\(`), "module loader access"},
	{regexp.MustCompile(`\bimport\s*\(`), "module loader access"},
	{regexp.MustCompile(`\bglobalThis\b`), "global object access"},
	{regexp.MustCompile(`\bglobal\s*\.`), "global object access"},
	{regexp.MustCompile(`\bprocess\s*\.`), "process object access"},
	{regexp.MustCompile(`\bdocument\s*\.`), "document object access"},
	{regexp.MustCompile(`\bwindow\s*\.`), "window object access"},
	{regexp.MustCompile(`__proto__`), "prototype mutation"},
	{regexp.MustCompile(`\.prototype\b`), "prototype mutation"},
	{regexp.MustCompile(`Object\s*\.\s*setPrototypeOf`), "prototype mutation"},
	{regexp.MustCompile(`\bwith\s*\(`), "with statement"},
	{regexp.MustCompile(`\.\s*constructor\b`), "reflective constructor access"},
	{regexp.MustCompile(`\b(file|javascript|data|ftp)\s*:`), "disallowed URI scheme"},
}

// builtinIdentifiers are JS built-in helpers the whitelist always permits.
var builtinIdentifiers = map[string]bool{
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"String": true, "Number": true, "Boolean": true, "Array": true, "Object": true,
	"Math": true, "JSON": true, "Date": true, "RegExp": true, "Error": true,
	"Map": true, "Set": true, "Promise": true,
}

var knownCapabilityNamespaces = map[string]bool{
	"database": true, "http": true, "events": true, "log": true, "utils": true, "validate": true,
}

// callExprPattern matches a dotted identifier path immediately followed by
// a call: foo(, foo.bar(, api.http.get(
var callExprPattern = regexp.MustCompile(`([A-Za-z_$][A-Za-z0-9_$]*(?:\s*\.\s*[A-Za-z_$][A-Za-z0-9_$]*)*)\s*\(`)

var infiniteLoopPattern = regexp.MustCompile(`\b(while\s*\(\s*true\s*\)|for\s*\(\s*;\s*;\s*\))`)

// Validate runs the ordered policy against source and returns a Result.
// Validate is a pure function: it performs no I/O and is deterministic —
// equal sources always produce equal results.
func Validate(source string, limits Limits) Result {
	var issues []Issue

	issues = append(issues, checkLength(source, limits)...)
	issues = append(issues, checkBlacklist(source)...)
	issues = append(issues, checkComplexity(source, limits)...)
	issues = append(issues, checkIdentifiers(source)...)
	issues = append(issues, checkInfiniteLoops(source)...)

	highs, mediums := 0, 0
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityHigh:
			highs++
		case SeverityMedium:
			mediums++
		}
	}

	ok := highs == 0 && mediums <= 2
	return Result{
		OK:            ok,
		Issues:        issues,
		SecurityScore: securityScore(issues),
	}
}

func checkLength(source string, limits Limits) []Issue {
	if len(source) > limits.MaxLength {
		return []Issue{{
			Severity: SeverityHigh,
			Kind:     KindLength,
			Line:     0,
			Detail:   "source exceeds maximum length",
		}}
	}
	return nil
}

func checkBlacklist(source string) []Issue {
	var issues []Issue
	lines := strings.Split(source, "\n")
	for lineNo, line := range lines {
		for _, p := range blacklistPatterns {
			if p.re.MatchString(line) {
				issues = append(issues, Issue{
					Severity: SeverityHigh,
					Kind:     KindBlacklist,
					Line:     lineNo + 1,
					Detail:   p.detail,
				})
			}
		}
		for _, r := range line {
			if r != '\t' && r < 0x20 {
				issues = append(issues, Issue{
					Severity: SeverityHigh,
					Kind:     KindBlacklist,
					Line:     lineNo + 1,
					Detail:   "non-printable character",
				})
				break
			}
		}
	}
	return issues
}

func checkComplexity(source string, limits Limits) []Issue {
	var issues []Issue

	complexityTokens := regexp.MustCompile(`\b(if|else|while|for|case|catch)\b|\?|&&|\|\|`)
	count := len(complexityTokens.FindAllString(source, -1))
	if count > limits.MaxComplexity {
		issues = append(issues, Issue{
			Severity: SeverityMedium,
			Kind:     KindComplexity,
			Detail:   "cyclomatic complexity exceeds limit",
		})
	}

	depth, maxDepth := 0, 0
	for _, r := range source {
		switch r {
		case '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	if maxDepth > limits.MaxDepth {
		issues = append(issues, Issue{
			Severity: SeverityMedium,
			Kind:     KindComplexity,
			Detail:   "nesting depth exceeds limit",
		})
	}

	for lineNo, line := range strings.Split(source, "\n") {
		if len(line) > 200 {
			issues = append(issues, Issue{
				Severity: SeverityLow,
				Kind:     KindComplexity,
				Line:     lineNo + 1,
				Detail:   "line exceeds 200 characters",
			})
		}
	}

	return issues
}

func checkIdentifiers(source string) []Issue {
	var issues []Issue
	lines := strings.Split(source, "\n")
	for lineNo, line := range lines {
		for _, m := range callExprPattern.FindAllStringSubmatchIndex(line, -1) {
			path := strings.ReplaceAll(line[m[2]:m[3]], " ", "")
			if isAllowedCall(path) {
				continue
			}
			// A function declaration's name is not a call, and a call the
			// blacklist already reports at high severity is not reported again.
			skip := strings.HasSuffix(strings.TrimRight(line[:m[2]], " \t"), "function")
			for _, p := range blacklistPatterns {
				skip = skip || p.re.MatchString(line[m[0]:m[1]])
			}
			if skip {
				continue
			}
			issues = append(issues, Issue{
				Severity: SeverityLow,
				Kind:     KindIdentifier,
				Line:     lineNo + 1,
				Detail:   "call to non-whitelisted identifier: " + path,
			})
		}
	}
	return issues
}

func isAllowedCall(path string) bool {
	head, _, hasDot := strings.Cut(path, ".")

	if head == "console" {
		return true
	}
	if builtinIdentifiers[head] {
		return true
	}
	if head == "api" && hasDot {
		rest := strings.TrimPrefix(path, "api.")
		ns, _, _ := strings.Cut(rest, ".")
		return knownCapabilityNamespaces[ns]
	}
	// Bare arithmetic/string/array/object instance methods (e.g.
	// myArray.map(...)) are not statically resolvable without a type
	// system; only the fully-qualified forms above are authoritative, so
	// an unqualified bare identifier call is judged against builtins only.
	return false
}

func checkInfiniteLoops(source string) []Issue {
	var issues []Issue
	locs := infiniteLoopPattern.FindAllStringIndex(source, -1)
	for _, loc := range locs {
		block := extractBlock(source, loc[1])
		if !strings.Contains(block, "break") && !strings.Contains(block, "return") {
			line := strings.Count(source[:loc[0]], "\n") + 1
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Kind:     KindInfiniteLoop,
				Line:     line,
				Detail:   "unconditional infinite loop without break or return",
			})
		}
	}
	return issues
}

// extractBlock returns the contents of the brace block starting at or
// after pos (the first '{' found), or the remainder of the source if no
// brace is found (e.g. a single-statement loop body).
func extractBlock(source string, pos int) string {
	idx := strings.IndexByte(source[pos:], '{')
	if idx < 0 {
		end := pos + 80
		if end > len(source) {
			end = len(source)
		}
		return source[pos:end]
	}
	start := pos + idx + 1
	depth := 1
	for i := start; i < len(source); i++ {
		switch source[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return source[start:i]
			}
		}
	}
	return source[start:]
}

// securityScore computes a [0,100] score: 100 minus weighted penalties.
func securityScore(issues []Issue) int {
	score := 100
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityHigh:
			score -= 25
		case SeverityMedium:
			score -= 10
		case SeverityLow:
			score -= 2
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
