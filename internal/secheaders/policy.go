// Package secheaders composes the static security header set and per-route-
// class Content-Security-Policy headers from declarative directive sets.
package secheaders

import "strings"

// Policy is an ordered map from CSP directive to an ordered, de-duplicated
// source set. Directive order is insertion order, so serialization is stable.
type Policy struct {
	order  []string
	values map[string][]string
}

func NewPolicy() *Policy {
	return &Policy{values: make(map[string][]string)}
}

// Add unions sources into the directive, preserving first-seen order and
// dropping duplicates. A directive with no sources (e.g.
// upgrade-insecure-requests) is legal.
func (p *Policy) Add(directive string, sources ...string) *Policy {
	if _, ok := p.values[directive]; !ok {
		p.order = append(p.order, directive)
		p.values[directive] = nil
	}
	for _, s := range sources {
		if s == "" || p.has(directive, s) {
			continue
		}
		p.values[directive] = append(p.values[directive], s)
	}
	return p
}

// Set replaces the directive's sources outright. Merge semantics are
// additive by default; Set is the explicit escape hatch for classes that
// must clamp a directive (e.g. upload forcing script-src 'none').
func (p *Policy) Set(directive string, sources ...string) *Policy {
	if _, ok := p.values[directive]; !ok {
		p.order = append(p.order, directive)
	}
	p.values[directive] = nil
	return p.Add(directive, sources...)
}

// Remove drops the directive entirely.
func (p *Policy) Remove(directive string) *Policy {
	if _, ok := p.values[directive]; !ok {
		return p
	}
	delete(p.values, directive)
	for i, d := range p.order {
		if d == directive {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return p
}

// Clone returns an independent copy.
func (p *Policy) Clone() *Policy {
	c := NewPolicy()
	for _, d := range p.order {
		c.Add(d, p.values[d]...)
	}
	return c
}

// Merge unions other into p directive by directive. Values are never
// replaced by a merge; only Set and Remove do that.
func (p *Policy) Merge(other *Policy) *Policy {
	if other == nil {
		return p
	}
	for _, d := range other.order {
		p.Add(d, other.values[d]...)
	}
	return p
}

// Sources returns the directive's current source list, or nil.
func (p *Policy) Sources(directive string) []string {
	return p.values[directive]
}

// String serializes to the CSP wire format: semicolon-joined
// "directive v1 v2" pairs in stable directive order.
func (p *Policy) String() string {
	var b strings.Builder
	for i, d := range p.order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(d)
		for _, v := range p.values[d] {
			b.WriteByte(' ')
			b.WriteString(v)
		}
	}
	return b.String()
}

func (p *Policy) has(directive, source string) bool {
	for _, v := range p.values[directive] {
		if v == source {
			return true
		}
	}
	return false
}
