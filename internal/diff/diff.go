// Package diff renders unified diffs for git_diff artifacts and the CLI.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxDiffBytes = 10 * 1024 * 1024

// Generator renders unified diffs. Color is for terminal output only;
// artifact payloads always use a plain generator.
type Generator struct {
	colorEnabled bool
}

// NewGenerator creates a diff generator.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result is a rendered diff plus its line statistics.
type Result struct {
	UnifiedDiff  string `json:"unifiedDiff"`
	AddedLines   int    `json:"addedLines"`
	DeletedLines int    `json:"deletedLines"`
	IsBinary     bool   `json:"isBinary"`
}

// Unified diffs before against after for one file.
func (g *Generator) Unified(before, after, filename string) *Result {
	if before == after {
		return &Result{}
	}
	if isBinary(before) || isBinary(after) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}
	if len(before) > maxDiffBytes || len(after) > maxDiffBytes {
		return &Result{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large, diff skipped @@", filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	patches := dmp.PatchMake(before, diffs)
	added, deleted := countChanges(diffs)
	return &Result{
		UnifiedDiff:  g.format(dmp.PatchToText(patches), filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func (g *Generator) format(patchText, filename string) string {
	var b strings.Builder
	b.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	b.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			b.WriteString(g.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			b.WriteString(g.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			b.WriteString(g.colorize(line+"\n", color.FgRed))
		case line != "":
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			lines++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			deleted += lines
		}
	}
	return
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

func isBinary(content string) bool {
	limit := len(content)
	if limit > 8000 {
		limit = 8000
	}
	return strings.ContainsRune(content[:limit], 0)
}

// Summary is the one-line change description stored alongside the diff.
func (r *Result) Summary() string {
	if r.IsBinary {
		return "binary file changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "no changes"
	}
	var parts []string
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}
