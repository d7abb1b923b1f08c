package definition

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rendis/ordo/pkg/schema"
)

// maxIncludeDepth bounds {{file:...}} nesting. A chain of exactly this many
// nested includes resolves; one more fails.
const maxIncludeDepth = 10

var includePattern = regexp.MustCompile(`\{\{file:([^}]+)\}\}`)

// resolveIncludes expands {{file:<relative_path>}} tags in content,
// recursively. Paths resolve relative to baseDir (the including file's
// directory). visited carries the absolute paths on the current include
// stack for cycle detection.
func resolveIncludes(content, baseDir string, visited []string, depth int) (string, error) {
	if depth > maxIncludeDepth {
		return "", schema.NewErrorf(schema.ErrCodeDefinitionParsing,
			"maximum include depth (%d) exceeded", maxIncludeDepth).
			WithDetails(map[string]any{"include_chain": append([]string{}, visited...)})
	}

	matches := includePattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	// Substitute back to front so earlier match offsets stay valid.
	resolved := content
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		relPath := strings.TrimSpace(resolved[m[2]:m[3]])
		if relPath == "" {
			continue
		}

		includePath, err := filepath.Abs(filepath.Join(baseDir, relPath))
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeDefinitionParsing,
				"cannot resolve include path %q", relPath).WithCause(err)
		}

		for _, seen := range visited {
			if seen == includePath {
				return "", schema.NewErrorf(schema.ErrCodeDefinitionParsing,
					"circular include detected: %s already on include chain", includePath).
					WithDetails(map[string]any{"include_chain": append(append([]string{}, visited...), includePath)})
			}
		}

		data, err := os.ReadFile(includePath)
		if err != nil {
			from := baseDir
			if len(visited) > 0 {
				from = visited[len(visited)-1]
			}
			return "", schema.NewErrorf(schema.ErrCodeDefinitionParsing,
				"included file not found: %s (referenced in %s)", includePath, from).WithCause(err)
		}

		nested := append(append([]string{}, visited...), includePath)
		inner, err := resolveIncludes(string(data), filepath.Dir(includePath), nested, depth+1)
		if err != nil {
			return "", err
		}

		resolved = resolved[:m[0]] + inner + resolved[m[1]:]
	}

	return resolved, nil
}
