package templates

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTemplateNotFound is returned for an unknown template id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplateExists is returned when creating a template whose id is taken.
	ErrTemplateExists = errors.New("template already exists")

	// ErrInvalidTemplate is returned when required template fields are missing.
	ErrInvalidTemplate = errors.New("invalid template")
)

// Template is a registered message template.
type Template struct {
	ID        string    `json:"id" yaml:"id"`
	Subject   string    `json:"subject" yaml:"subject"`
	HTML      string    `json:"html" yaml:"html"`
	Text      string    `json:"text,omitempty" yaml:"text"`
	Variables []string  `json:"variables,omitempty" yaml:"variables"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Rendered holds the output of rendering a template's sources.
type Rendered struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// Registry owns the set of templates addressable by id.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	cache     *Cache
	now       func() time.Time
}

// NewRegistry creates an empty registry compiling through cache.
func NewRegistry(cache *Cache) *Registry {
	if cache == nil {
		cache = NewCache()
	}
	return &Registry{
		templates: make(map[string]*Template),
		cache:     cache,
		now:       time.Now,
	}
}

// Cache returns the compile cache used by the registry.
func (r *Registry) Cache() *Cache { return r.cache }

// Create validates, compiles and stores a new template.
func (r *Registry) Create(t Template) (*Template, error) {
	if err := r.prepare(&t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateExists, t.ID)
	}
	now := r.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.templates[t.ID] = &t
	return copyTemplate(&t), nil
}

// Update replaces the sources of an existing template.
func (r *Registry) Update(id string, t Template) (*Template, error) {
	t.ID = id
	if err := r.prepare(&t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = r.now().UTC()
	r.templates[id] = &t
	return copyTemplate(&t), nil
}

// Upsert creates the template or updates it when the id exists.
func (r *Registry) Upsert(t Template) (*Template, bool, error) {
	created, err := r.Create(t)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrTemplateExists) {
		return nil, false, err
	}
	updated, err := r.Update(t.ID, t)
	return updated, false, err
}

// Get returns a copy of the template with the given id.
func (r *Registry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, false
	}
	return copyTemplate(t), true
}

// List returns all templates ordered by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, copyTemplate(t))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render renders every source of template id against data.
func (r *Registry) Render(id string, data map[string]any) (*Rendered, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	var (
		out Rendered
		err error
	)
	if out.Subject, err = r.cache.Render(t.Subject, data); err != nil {
		return nil, err
	}
	if out.HTML, err = r.cache.Render(t.HTML, data); err != nil {
		return nil, err
	}
	if t.Text != "" {
		if out.Text, err = r.cache.Render(t.Text, data); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// prepare checks required fields, compiles every source and fills Variables.
func (r *Registry) prepare(t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	if t.Subject == "" && t.HTML == "" {
		return fmt.Errorf("%w: subject or html is required", ErrInvalidTemplate)
	}

	vars := map[string]struct{}{}
	for _, src := range []string{t.Subject, t.HTML, t.Text} {
		if src == "" {
			continue
		}
		c, err := r.cache.Compile(src)
		if err != nil {
			return err
		}
		for _, v := range c.Variables() {
			vars[v] = struct{}{}
		}
	}

	if len(t.Variables) == 0 {
		for v := range vars {
			t.Variables = append(t.Variables, v)
		}
		sort.Strings(t.Variables)
	}
	return nil
}

func copyTemplate(t *Template) *Template {
	c := *t
	c.Variables = append([]string(nil), t.Variables...)
	return &c
}
