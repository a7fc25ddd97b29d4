// Package parser reads the textual deck format: a case-insensitive
// *start/*end envelope, # comments, an optional *parameter substitution
// block, *-prefixed card lines and the data lines that follow them.
// Parsing yields the ordered card sequence; defaulting and validation of
// the parsed cards live in internal/catalog.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// DeckExtension is the conventional deck file suffix. Other suffixes parse
// fine but draw a warning, matching long-standing operator expectations.
const DeckExtension = ".inp"

const (
	startMarker   = "*start"
	endMarker     = "*end"
	paramMarker   = "*parameter"
	cardMarker    = "*"
	commentPrefix = "#"
)

// Parser converts deck text into an ordered card sequence.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// ParseFile reads and parses the deck at path. The deck's name is the file
// base name without its extension.
func (p *Parser) ParseFile(path string) (*deck.Deck, error) {
	if strings.ToLower(filepath.Ext(path)) != DeckExtension {
		p.logger.Warn("unexpected deck file extension", "path", path, "want", DeckExtension)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewNotFoundError("deck", path)
		}
		return nil, fmt.Errorf("open deck: %w", err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return p.Parse(f, name)
}

// Parse reads deck text from r and returns the ordered card sequence.
// Substitution variables defined in a *parameter block are applied to every
// subsequent line; placeholders with no binding stay verbatim and are
// reported in the returned deck's Unresolved map.
func (p *Parser) Parse(r io.Reader, name string) (*deck.Deck, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, fmt.Errorf("read deck: %w", err)
	}

	// Everything before *start is ignored.
	i := 0
	for ; i < len(lines); i++ {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(lines[i])), startMarker) {
			break
		}
	}
	if i == len(lines) {
		return nil, model.NewDeckSyntaxError("deck has no *start marker")
	}
	p.logger.Debug("deck opened", "deck", name)

	d := &deck.Deck{
		Name:       name,
		Vars:       map[string]string{},
		Unresolved: map[string]int{},
	}

	for i++; i < len(lines); i++ {
		line := expand(strings.TrimSpace(lines[i]), d.Vars, d.Unresolved)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, endMarker):
			p.logger.Debug("deck closed", "deck", name, "cards", len(d.Cards))
			return d, nil

		case line == "" || strings.HasPrefix(line, commentPrefix):
			continue

		case strings.HasPrefix(lower, paramMarker):
			// The block runs until the next *-line, which is handed back
			// to the main loop (it may be a card or the end marker).
			next, err := p.parseParameterBlock(lines, i+1, d)
			if err != nil {
				return nil, err
			}
			i = next - 1

		case strings.HasPrefix(line, cardMarker):
			card, err := p.parseCardLine(line)
			if err != nil {
				return nil, err
			}
			d.Cards = append(d.Cards, card)

		default:
			if len(d.Cards) == 0 {
				return nil, model.NewDeckSyntaxError(
					fmt.Sprintf("data line %q appears before any card", line))
			}
			last := d.Cards[len(d.Cards)-1]
			last.Datalines = append(last.Datalines, splitFields(line))
		}
	}

	return nil, model.NewDeckSyntaxError("deck has no *end marker")
}

// parseParameterBlock evaluates the name = expr assignments between the
// *parameter line and the next *-line, populating d.Vars. It returns the
// index of the terminating *-line so the main loop can process it.
func (p *Parser) parseParameterBlock(lines []string, start int, d *deck.Deck) (int, error) {
	eval := newBlockEvaluator()
	i := start
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, cardMarker) {
			return i, nil
		}
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}
		name, value, err := eval.Assign(line)
		if err != nil {
			return 0, model.NewDeckSyntaxError(
				fmt.Sprintf("parameter block: %v", err),
				model.FieldError{Field: line, Message: err.Error()})
		}
		d.Vars[name] = value
		p.logger.Debug("substitution variable", "name", name, "value", value)
	}
	// The envelope must still close after the block.
	return i, nil
}

// parseCardLine splits a *-line into the step type and its key=value
// parameter overrides. The whole line is lower-cased first: step types,
// parameter keys and override values are case-insensitive by convention.
func (p *Parser) parseCardLine(line string) (*deck.Card, error) {
	items := strings.Split(strings.ToLower(line), ",")
	stepType := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(items[0]), cardMarker))
	if stepType == "" {
		return nil, model.NewDeckSyntaxError(fmt.Sprintf("card line %q has no step type", line))
	}

	card := &deck.Card{
		StepType:   stepType,
		Parameters: map[string]string{},
	}
	for _, item := range items[1:] {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, "=")
		if len(parts) != 2 {
			return nil, model.NewDeckSyntaxError(
				fmt.Sprintf("card %q: malformed parameter override %q, want key=value", stepType, item))
		}
		card.Parameters[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	p.logger.Debug("card opened", "step_type", stepType, "overrides", len(card.Parameters))
	return card, nil
}

// splitFields splits a data line on commas and trims each field.
func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	fields := make([]string, len(parts))
	for i, f := range parts {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
