package vcs

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/hochfrequenz/sandbox-builder/internal/domain"
)

// ChangeType is the conventional commit type of a change set
type ChangeType string

const (
	TypeFeat  ChangeType = "feat"
	TypeFix   ChangeType = "fix"
	TypeDocs  ChangeType = "docs"
	TypeStyle ChangeType = "style"
	TypeTest  ChangeType = "test"
	TypeChore ChangeType = "chore"
)

// maxListedFiles caps the file list in a commit body
const maxListedFiles = 20

var (
	fixPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bfix`),
		regexp.MustCompile(`(?i)\bbug`),
		regexp.MustCompile(`(?i)\bbroken\b`),
		regexp.MustCompile(`(?i)\brepair`),
	}

	docsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\.(md|txt|rst)$`),
		regexp.MustCompile(`(?i)^docs/`),
	}

	stylePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\.(css|scss|sass|less)$`),
	}

	testPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(^|/)tests?/`),
		regexp.MustCompile(`(?i)[._](test|spec)\.[a-z]+$`),
	}

	chorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(^|/)package(-lock)?\.json$`),
		regexp.MustCompile(`(^|/)requirements\.txt$`),
		regexp.MustCompile(`(?i)\.(toml|ya?ml|lock)$`),
		regexp.MustCompile(`(^|/)Dockerfile$`),
		regexp.MustCompile(`(^|/)\.gitignore$`),
	}
)

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// classifyPath returns the change type a single file implies
func classifyPath(p string) ChangeType {
	switch {
	case matchesAny(p, testPatterns):
		return TypeTest
	case matchesAny(p, chorePatterns):
		return TypeChore
	case matchesAny(p, docsPatterns):
		return TypeDocs
	case matchesAny(p, stylePatterns):
		return TypeStyle
	default:
		return TypeFeat
	}
}

// ClassifyChange picks the commit type for a change set. A task titled like
// a bug fix is a fix; otherwise the files decide, and a mix is a feature.
func ClassifyChange(title string, paths []string) ChangeType {
	if matchesAny(title, fixPatterns) {
		return TypeFix
	}
	if len(paths) == 0 {
		return TypeChore
	}
	first := classifyPath(paths[0])
	for _, p := range paths[1:] {
		if classifyPath(p) != first {
			return TypeFeat
		}
	}
	return first
}

// commonScope returns the top-level directory shared by all paths, or ""
func commonScope(paths []string) string {
	scope := ""
	for i, p := range paths {
		dir, _, nested := strings.Cut(path.Clean(p), "/")
		if !nested {
			return ""
		}
		if i == 0 {
			scope = dir
		} else if dir != scope {
			return ""
		}
	}
	return scope
}

// CommitMessage builds a conventional commit message for generated files.
// task may be nil for project-level generations.
func CommitMessage(task *domain.Task, prompt string, paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	title := summaryLine(prompt)
	if task != nil {
		title = task.Title
	}

	header := string(ClassifyChange(title, sorted))
	if scope := commonScope(sorted); scope != "" {
		header += "(" + scope + ")"
	}
	header += ": " + lowerFirst(title)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	if task != nil && strings.TrimSpace(task.Description) != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(task.Description))
		b.WriteString("\n")
	}

	b.WriteString("\nFiles:\n")
	for i, p := range sorted {
		if i == maxListedFiles {
			fmt.Fprintf(&b, "- ... and %d more\n", len(sorted)-maxListedFiles)
			break
		}
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if task != nil {
		fmt.Fprintf(&b, "\nTask: %s\n", task.ID)
	}
	return b.String()
}

func summaryLine(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if len(line) > 72 {
		line = strings.TrimSpace(line[:72])
	}
	if line == "" {
		return "update generated files"
	}
	return line
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	// leave acronyms like "API" alone
	if len(s) > 1 && unicode.IsUpper(rune(s[1])) {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
