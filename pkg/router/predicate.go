package router

import (
	"fmt"
	"strings"

	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
)

// Predicate decides whether a subscription admits an event. Implementations
// are pure and never fail: a missing attribute is a non-match.
type Predicate interface {
	Match(evt objectevent.ObjectEvent) bool
	String() string
}

type kindIs struct{ kinds []objectevent.Kind }

// KindIs matches events of any of the given kinds.
func KindIs(kinds ...objectevent.Kind) Predicate { return kindIs{kinds: kinds} }

func (p kindIs) Match(evt objectevent.ObjectEvent) bool {
	for _, k := range p.kinds {
		if evt.Kind() == k {
			return true
		}
	}
	return false
}

func (p kindIs) String() string { return fmt.Sprintf("kind in %v", p.kinds) }

type attributeIn struct {
	name   string
	values []string
}

// AttributeIn matches when the named attribute equals one of values.
func AttributeIn(name string, values ...string) Predicate {
	return attributeIn{name: name, values: values}
}

func (p attributeIn) Match(evt objectevent.ObjectEvent) bool {
	v, ok := evt.Attr(p.name)
	if !ok {
		return false
	}
	for _, allowed := range p.values {
		if v == allowed {
			return true
		}
	}
	return false
}

func (p attributeIn) String() string { return fmt.Sprintf("%s in %q", p.name, p.values) }

type attributePrefix struct {
	name     string
	prefixes []string
}

// AttributePrefix matches when the named attribute starts with one of prefixes.
func AttributePrefix(name string, prefixes ...string) Predicate {
	return attributePrefix{name: name, prefixes: prefixes}
}

func (p attributePrefix) Match(evt objectevent.ObjectEvent) bool {
	v, ok := evt.Attr(p.name)
	if !ok {
		return false
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

func (p attributePrefix) String() string {
	return fmt.Sprintf("%s has prefix in %q", p.name, p.prefixes)
}

type attributeExists struct{ name string }

// AttributeExists matches when the named attribute is present, whatever its value.
func AttributeExists(name string) Predicate { return attributeExists{name: name} }

func (p attributeExists) Match(evt objectevent.ObjectEvent) bool {
	_, ok := evt.Attr(p.name)
	return ok
}

func (p attributeExists) String() string { return p.name + " exists" }

type all struct{ preds []Predicate }

// All matches when every predicate matches. All() with no arguments matches everything.
func All(preds ...Predicate) Predicate { return all{preds: preds} }

func (p all) Match(evt objectevent.ObjectEvent) bool {
	for _, pred := range p.preds {
		if pred != nil && !pred.Match(evt) {
			return false
		}
	}
	return true
}

func (p all) String() string {
	parts := make([]string, 0, len(p.preds))
	for _, pred := range p.preds {
		if pred != nil {
			parts = append(parts, pred.String())
		}
	}
	return "(" + strings.Join(parts, " and ") + ")"
}
