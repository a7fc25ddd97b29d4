package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/godeck/pkg/model"
)

//go:embed records/*.yaml
var defaultRecordsFS embed.FS

// Catalog maps every known step type to its ordered default records. The
// first record of a step type doubles as the fallback when a card names
// no discriminator.
type Catalog struct {
	logger *slog.Logger
	steps  map[string][]*Record
}

// New loads the records embedded in the binary.
func New(logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		logger: logger.With("component", "catalog"),
		steps:  make(map[string][]*Record),
	}
	if err := c.loadEmbedded(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithOverrides loads the embedded records, then replaces the records
// of any step type that has a YAML file in dir. An override file replaces
// the shipped records for its step type wholesale.
func NewWithOverrides(logger *slog.Logger, dir string) (*Catalog, error) {
	c, err := New(logger)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return c, nil
	}
	if err := c.loadDir(dir); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadEmbedded() error {
	paths, err := fs.Glob(defaultRecordsFS, "records/*.yaml")
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := fs.ReadFile(defaultRecordsFS, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		stepType, records, err := parseStepFile(data, filepath.Base(path))
		if err != nil {
			return err
		}
		if _, dup := c.steps[stepType]; dup {
			return fmt.Errorf("%s: step type %q already registered", filepath.Base(path), stepType)
		}
		c.steps[stepType] = records
	}
	return nil
}

func (c *Catalog) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read catalog override dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		stepType, records, err := parseStepFile(data, e.Name())
		if err != nil {
			return err
		}
		c.logger.Info("catalog records overridden", "step_type", stepType, "file", e.Name())
		c.steps[stepType] = records
	}
	return nil
}

// StepTypes returns the known step types in sorted order.
func (c *Catalog) StepTypes() []string {
	types := make([]string, 0, len(c.steps))
	for t := range c.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Records returns the ordered records of one step type, or nil when the
// step type is unknown.
func (c *Catalog) Records(stepType string) []*Record {
	return c.steps[stepType]
}

// Lookup returns the record a card with the given step type and
// discriminator binds against. Without a discriminator the first
// registered record applies; a discriminator that matches none of a step
// type's typed records is a validation error.
func (c *Catalog) Lookup(stepType, typ string) (*Record, error) {
	records, ok := c.steps[stepType]
	if !ok {
		return nil, model.NewValidationError(fmt.Sprintf(
			"unknown step type %q (known: %s)", stepType, strings.Join(c.StepTypes(), ", ")))
	}

	var typed []string
	for _, rec := range records {
		if rec.Type != "" {
			typed = append(typed, rec.Type)
		}
	}

	// Single-variant step types carry no discriminator; a stray type
	// parameter surfaces later as an unknown key.
	if typ == "" || len(typed) == 0 {
		c.logger.Debug("using first registered record",
			"step_type", stepType, "type", records[0].Type)
		return records[0], nil
	}

	for _, rec := range records {
		if rec.Type == typ {
			return rec, nil
		}
	}
	return nil, model.NewValidationError(fmt.Sprintf(
		"step type %q has no record for type=%q (available: %s)",
		stepType, typ, strings.Join(typed, ", ")))
}
