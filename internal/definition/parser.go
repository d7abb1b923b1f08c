package definition

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rendis/ordo/pkg/schema"
)

// stepLinkPattern matches ordered (1.) or unordered (-, *, +) list items whose
// body is a Markdown link to a step file. Link text is the canonical step ID.
var stepLinkPattern = regexp.MustCompile(`^[ \t]*(\d+\.|[-*+]) [ \t]*\[([^\]]+)\]\(([^)]+\.md)\)`)

// planHeading marks the section of index.md the step list is taken from
// when present. Without it the whole index is scanned.
const planHeading = "## High-Level Plan"

// Section markers for step files, matched case-insensitively on their own
// line with surrounding whitespace tolerated.
var (
	guidanceMarker     = regexp.MustCompile(`(?im)^[ \t]*#[ \t]+Orchestrator Guidance[ \t]*$`)
	instructionsMarker = regexp.MustCompile(`(?im)^[ \t]*#[ \t]+Client Instructions[ \t]*$`)
)

// parseIndex extracts the ordered step list and the step-name → file-path map
// from resolved index.md content.
func parseIndex(indexContent, workflowDir, indexPath string) ([]string, map[string]string, error) {
	scanRegion := indexContent
	if idx := strings.Index(indexContent, planHeading); idx >= 0 {
		rest := indexContent[idx+len(planHeading):]
		if end := strings.Index(rest, "\n## "); end >= 0 {
			rest = rest[:end]
		}
		scanRegion = rest
	}

	var stepList []string
	stepFiles := make(map[string]string)

	for _, line := range strings.Split(scanRegion, "\n") {
		m := stepLinkPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		stepName := strings.TrimSpace(m[2])
		relPath := strings.TrimSpace(m[3])
		if stepName == "" || relPath == "" {
			continue
		}
		if _, dup := stepFiles[stepName]; dup {
			return nil, nil, schema.NewErrorf(schema.ErrCodeDefinitionParsing,
				"duplicate step name %q in workflow index %s", stepName, indexPath)
		}
		stepList = append(stepList, stepName)
		stepFiles[stepName] = filepath.Join(workflowDir, relPath)
	}

	if len(stepList) == 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodeDefinitionParsing,
			"no steps found in workflow index %s; steps must be listed as Markdown links", indexPath)
	}

	return stepList, stepFiles, nil
}

// parseStepFile reads one step file, resolves its includes, and extracts the
// two mandatory sections.
func parseStepFile(path string) (Step, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Step{}, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
				"step file not found: %s", path).WithCause(err)
		}
		return Step{}, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"cannot read step file %s", path).WithCause(err)
	}

	content, err := resolveIncludes(string(raw), filepath.Dir(path), []string{path}, 0)
	if err != nil {
		return Step{}, err
	}

	guidance, instructions := extractSections(content)
	if strings.TrimSpace(guidance) == "" {
		return Step{}, schema.NewErrorf(schema.ErrCodeDefinitionParsing,
			"mandatory '# Orchestrator Guidance' section missing or empty in step file %s", path)
	}
	if strings.TrimSpace(instructions) == "" {
		return Step{}, schema.NewErrorf(schema.ErrCodeDefinitionParsing,
			"mandatory '# Client Instructions' section missing or empty in step file %s", path)
	}

	return Step{
		OrchestratorGuidance: guidance,
		ClientInstructions:   instructions,
		FullContent:          content,
	}, nil
}

type sectionMark struct {
	start, end int
	key        int // 0 = guidance, 1 = instructions
}

// extractSections pulls the bodies of the two known H1 sections out of step
// content. A section's body runs from the end of its marker line to the start
// of the next known marker or end of file; other headings are preserved
// inside the body.
func extractSections(content string) (guidance, instructions string) {
	var marks []sectionMark
	for _, loc := range guidanceMarker.FindAllStringIndex(content, -1) {
		marks = append(marks, sectionMark{loc[0], loc[1], 0})
	}
	for _, loc := range instructionsMarker.FindAllStringIndex(content, -1) {
		marks = append(marks, sectionMark{loc[0], loc[1], 1})
	}

	// Order by position in the file.
	for i := 1; i < len(marks); i++ {
		for j := i; j > 0 && marks[j].start < marks[j-1].start; j-- {
			marks[j], marks[j-1] = marks[j-1], marks[j]
		}
	}

	for i, m := range marks {
		bodyEnd := len(content)
		if i+1 < len(marks) {
			bodyEnd = marks[i+1].start
		}
		body := strings.TrimSpace(content[m.end:bodyEnd])
		if m.key == 0 {
			guidance = body
		} else {
			instructions = body
		}
	}
	return guidance, instructions
}
