// Package templates compiles, caches and renders notification templates.
//
// Templates use a handlebars-style syntax: {{name}} (HTML-escaped), {{{name}}}
// (raw), dotted paths, helper calls such as {{formatCurrency total "EUR"}} and the
// if/unless/each block helpers. Sources are parsed once into an immutable node
// tree; rendering walks that tree against a map of values and never fails.
package templates

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes compiled templates by their source text.
//
// The cache is unbounded: templates are operator-defined and finite. Concurrent
// first compiles of one source collapse into a single parse.
type Cache struct {
	compiled sync.Map // source -> *Compiled
	group    singleflight.Group

	compilations atomic.Int64
	hits         atomic.Int64
}

// NewCache creates an empty template cache.
func NewCache() *Cache {
	return &Cache{}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries      int   `json:"entries"`
	Compilations int64 `json:"compilations"`
	Hits         int64 `json:"hits"`
}

// Compile returns the compiled form of source, parsing it on first use.
func (c *Cache) Compile(source string) (*Compiled, error) {
	if v, ok := c.compiled.Load(source); ok {
		c.hits.Add(1)
		return v.(*Compiled), nil
	}

	v, err, _ := c.group.Do(source, func() (any, error) {
		if v, ok := c.compiled.Load(source); ok {
			return v, nil
		}
		tmpl, err := Compile(source)
		if err != nil {
			return nil, err
		}
		c.compilations.Add(1)
		actual, _ := c.compiled.LoadOrStore(source, tmpl)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Compiled), nil
}

// Render compiles (or reuses) source and executes it against data.
func (c *Cache) Render(source string, data map[string]any) (string, error) {
	tmpl, err := c.Compile(source)
	if err != nil {
		return "", err
	}
	return tmpl.Execute(data), nil
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	n := 0
	c.compiled.Range(func(_, _ any) bool {
		n++
		return true
	})
	return Stats{
		Entries:      n,
		Compilations: c.compilations.Load(),
		Hits:         c.hits.Load(),
	}
}
