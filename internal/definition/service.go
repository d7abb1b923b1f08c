package definition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/ordo/pkg/schema"
)

// blobDelimiter separates the index and step parts of the definition blob.
const blobDelimiter = "\n\n---\n\n"

// Service loads, parses, validates, and caches workflow definitions from a
// directory tree. All view methods revalidate the cache against a content
// fingerprint of the workflow's directory, so on-disk edits become visible
// without a restart. Safe for concurrent use.
type Service struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewService creates a Service over baseDir and eagerly loads every workflow
// subdirectory. Individual workflows that fail to parse are logged and left
// out of the cache; they are retried on the next view call that names them.
func NewService(baseDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		baseDir: baseDir,
		logger:  logger,
		cache:   make(map[string]*Definition),
	}
	s.scanAll()
	return s
}

// scanAll attempts an initial load of every workflow directory.
func (s *Service) scanAll() {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		s.logger.Warn("definitions directory not found", slog.String("dir", s.baseDir))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.load(e.Name()); err != nil {
			s.logger.Error("failed to load workflow during initial scan",
				slog.String("workflow", e.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ListWorkflows returns the names of workflow subdirectories that currently
// parse successfully.
func (s *Service) ListWorkflows() []string {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.load(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// GetFullDefinitionBlob returns the deterministic concatenation of the
// workflow's resolved index and step files used as LLM prompt context.
func (s *Service) GetFullDefinitionBlob(name string) (string, error) {
	def, err := s.load(name)
	if err != nil {
		return "", err
	}
	return def.FullBlob, nil
}

// GetStepClientInstructions returns the verbatim body of the named step's
// '# Client Instructions' section.
func (s *Service) GetStepClientInstructions(name, stepID string) (string, error) {
	def, err := s.load(name)
	if err != nil {
		return "", err
	}
	step, ok := def.Steps[stepID]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"step %q not found in workflow %q", stepID, name).WithStep(stepID)
	}
	return step.ClientInstructions, nil
}

// GetStepList returns the canonical step IDs in index order.
func (s *Service) GetStepList(name string) ([]string, error) {
	def, err := s.load(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(def.StepList))
	copy(out, def.StepList)
	return out, nil
}

// Validate triggers a (re)load of the named workflow, surfacing any
// parse or layout error.
func (s *Service) Validate(name string) error {
	_, err := s.load(name)
	return err
}

// Refresh re-checks every cached workflow against its on-disk fingerprint,
// dropping entries whose directories vanished. Used by the maintenance loop.
func (s *Service) Refresh() {
	s.mu.RLock()
	names := make([]string, 0, len(s.cache))
	for name := range s.cache {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		if _, err := s.load(name); err != nil {
			s.mu.Lock()
			delete(s.cache, name)
			s.mu.Unlock()
			s.logger.Warn("dropped workflow from cache on refresh",
				slog.String("workflow", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// load returns the cached definition when its fingerprint still matches the
// directory contents, re-parsing otherwise. The freshly parsed definition
// replaces the cached one atomically.
func (s *Service) load(name string) (*Definition, error) {
	fp, err := s.fingerprint(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && cached.fingerprint == fp {
		return cached, nil
	}

	def, err := s.parse(name)
	if err != nil {
		return nil, err
	}
	def.fingerprint = fp

	s.mu.Lock()
	s.cache[name] = def
	s.mu.Unlock()

	s.logger.Info("loaded workflow definition",
		slog.String("workflow", name),
		slog.Int("steps", len(def.StepList)),
	)
	return def, nil
}

// parse performs a full load of one workflow directory.
func (s *Service) parse(name string) (*Definition, error) {
	workflowDir := filepath.Join(s.baseDir, name)
	indexPath := filepath.Join(workflowDir, "index.md")
	stepsDir := filepath.Join(workflowDir, "steps")

	if fi, err := os.Stat(workflowDir); err != nil || !fi.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"workflow directory not found: %s", workflowDir)
	}
	if fi, err := os.Stat(indexPath); err != nil || fi.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"workflow index file not found: %s", indexPath)
	}
	if fi, err := os.Stat(stepsDir); err != nil || !fi.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"workflow steps directory not found: %s", stepsDir)
	}

	rawIndex, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"cannot read workflow index %s", indexPath).WithCause(err)
	}
	indexContent, err := resolveIncludes(string(rawIndex), workflowDir, []string{indexPath}, 0)
	if err != nil {
		return nil, err
	}

	stepList, stepFiles, err := parseIndex(indexContent, workflowDir, indexPath)
	if err != nil {
		return nil, err
	}

	steps := make(map[string]Step, len(stepList))
	blobParts := []string{indexContent}
	for _, stepName := range stepList {
		step, err := parseStepFile(stepFiles[stepName])
		if err != nil {
			return nil, err
		}
		steps[stepName] = step
		blobParts = append(blobParts, fmt.Sprintf("## Step: %s\n\n%s", stepName, step.FullContent))
	}

	return &Definition{
		Name:     name,
		StepList: stepList,
		Steps:    steps,
		FullBlob: strings.Join(blobParts, blobDelimiter),
	}, nil
}

// fingerprint hashes all file names and bytes under the workflow directory.
// Sorted relative paths keep the digest stable across directory listing order.
func (s *Service) fingerprint(name string) (string, error) {
	workflowDir := filepath.Join(s.baseDir, name)
	if fi, err := os.Stat(workflowDir); err != nil || !fi.IsDir() {
		return "", schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"workflow directory not found: %s", workflowDir)
	}

	var files []string
	err := filepath.WalkDir(workflowDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"cannot walk workflow directory %s", workflowDir).WithCause(err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, relErr := filepath.Rel(workflowDir, path)
		if relErr != nil {
			rel = path
		}
		io.WriteString(h, rel)

		f, err := os.Open(path)
		if err != nil {
			s.logger.Warn("could not read file during fingerprint",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		_, _ = io.Copy(h, f)
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
