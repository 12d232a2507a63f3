package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func welcomeTemplate() Template {
	return Template{
		ID:      "welcome",
		Subject: "Welcome {{name}}!",
		HTML:    "<p>Hello {{name}}, your plan is {{plan}}</p>",
		Text:    "Hello {{name}}",
	}
}

func TestRegistryCreateAndRender(t *testing.T) {
	r := NewRegistry(nil)

	created, err := r.Create(welcomeTemplate())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if len(created.Variables) != 2 || created.Variables[0] != "name" || created.Variables[1] != "plan" {
		t.Errorf("variables = %v", created.Variables)
	}

	out, err := r.Render("welcome", map[string]any{"name": "John", "plan": "pro"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "Welcome John!" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.HTML != "<p>Hello John, your plan is pro</p>" {
		t.Errorf("html = %q", out.HTML)
	}
	if out.Text != "Hello John" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Create(welcomeTemplate()); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.Create(welcomeTemplate()); !errors.Is(err, ErrTemplateExists) {
		t.Errorf("duplicate create: got %v", err)
	}
	if _, err := r.Render("missing", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("render missing: got %v", err)
	}
	if _, err := r.Update("missing", welcomeTemplate()); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("update missing: got %v", err)
	}
	if _, err := r.Create(Template{Subject: "x"}); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("create without id: got %v", err)
	}

	var ce *CompileError
	if _, err := r.Create(Template{ID: "broken", Subject: "{{#if a}}"}); !errors.As(err, &ce) {
		t.Errorf("create broken: got %v", err)
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("broken template must not be registered")
	}
}

func TestRegistryUpdateKeepsCreatedAt(t *testing.T) {
	r := NewRegistry(nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	if _, err := r.Create(welcomeTemplate()); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock = clock.Add(time.Hour)

	tmpl := welcomeTemplate()
	tmpl.Subject = "Hi {{name}}"
	updated, err := r.Update("welcome", tmpl)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Errorf("UpdatedAt %v should be after CreatedAt %v", updated.UpdatedAt, updated.CreatedAt)
	}

	out, err := r.Render("welcome", map[string]any{"name": "Ann"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "Hi Ann" {
		t.Errorf("subject = %q", out.Subject)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Create(welcomeTemplate()); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := r.Get("welcome")
	got.Subject = "mutated"
	got.Variables[0] = "mutated"

	again, _ := r.Get("welcome")
	if again.Subject == "mutated" || again.Variables[0] == "mutated" {
		t.Error("registry state was mutated through a returned copy")
	}
}

const seedYAML = `templates:
  - id: welcome
    subject: "Welcome {{name}}!"
    html: "<p>Hi {{name}}</p>"
  - id: receipt
    subject: "Receipt {{orderId}}"
    html: "<p>Total {{formatCurrency total}}</p>"
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	n, err := LoadFile(r, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d templates, want 2", n)
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("registry has %d templates, want 2", got)
	}

	// loading again updates rather than failing on duplicates
	if _, err := LoadFile(r, path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	out, err := r.Render("receipt", map[string]any{"orderId": "A1", "total": float64(12)})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.HTML != "<p>Total $12.00</p>" {
		t.Errorf("html = %q", out.HTML)
	}
}

func TestLoadFileErrors(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := LoadFile(r, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("templates:\n  - id: bad\n    subject: \"{{#if x}}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(r, path); err == nil {
		t.Error("expected compile error")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	if err := os.WriteFile(path, []byte("templates: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	w := NewWatcher(path, r, zap.NewNop())
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(seedYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("welcome"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not reload templates")
}
