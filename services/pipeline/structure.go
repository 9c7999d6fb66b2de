package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// SelectorSet holds a compiled, ordered set of css selectors that a
// document must contain to be considered extractable.
type SelectorSet struct {
	raw      []string
	matchers []cascadia.Selector
}

// CompileSelectors parses the configured selector list up front so a
// bad config fails before any document is fetched. An empty list is a
// config error, it would make every document pass.
func CompileSelectors(selectors []string) (SelectorSet, error) {
	if len(selectors) == 0 {
		return SelectorSet{}, errors.New("required selector set is empty")
	}

	set := SelectorSet{
		raw:      make([]string, 0, len(selectors)),
		matchers: make([]cascadia.Selector, 0, len(selectors)),
	}
	for _, raw := range selectors {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return SelectorSet{}, errors.New("required selector set contains a blank entry")
		}
		matcher, err := cascadia.Compile(trimmed)
		if err != nil {
			return SelectorSet{}, fmt.Errorf("invalid selector %q: %w", trimmed, err)
		}
		set.raw = append(set.raw, trimmed)
		set.matchers = append(set.matchers, matcher)
	}
	return set, nil
}

func (s SelectorSet) Selectors() []string {
	out := make([]string, len(s.raw))
	copy(out, s.raw)
	return out
}

// Validate checks every selector against the document and reports all
// missing ones at once, in configured order. It never extracts data.
func (s SelectorSet) Validate(doc *goquery.Document) error {
	var missing []string
	for i, matcher := range s.matchers {
		if doc.FindMatcher(matcher).Length() == 0 {
			missing = append(missing, s.raw[i])
		}
	}
	if len(missing) > 0 {
		return &StructuralError{Missing: missing}
	}
	return nil
}

// ValidateStructure is the one-shot form of CompileSelectors followed
// by Validate.
func ValidateStructure(doc *goquery.Document, selectors []string) error {
	set, err := CompileSelectors(selectors)
	if err != nil {
		return err
	}
	return set.Validate(doc)
}
