package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Meta is the YAML frontmatter of a template file.
type Meta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Title is itself a template, rendered with the same data as the body.
	Title string `yaml:"title"`
}

type compiled struct {
	meta  Meta
	body  *template.Template
	title *template.Template // nil without a frontmatter title
}

// Loader renders templates from a stack of filesystems. The first layer
// holding a path wins; the embedded defaults are always last.
type Loader struct {
	layers []fs.FS

	mu    sync.RWMutex
	cache map[string]*compiled
}

// NewLoader layers the given override directories over the embedded
// defaults.
func NewLoader(overrideDirs ...string) *Loader {
	layers := make([]fs.FS, 0, len(overrideDirs))
	for _, dir := range overrideDirs {
		layers = append(layers, os.DirFS(dir))
	}
	return NewLoaderFS(layers...)
}

// NewLoaderFS is NewLoader for arbitrary filesystems.
func NewLoaderFS(layers ...fs.FS) *Loader {
	return &Loader{
		layers: append(layers, embeddedFS),
		cache:  make(map[string]*compiled),
	}
}

// DefaultLoader checks <projectRoot>/.sandbox-builder/prompts, then
// ~/.config/sandbox-builder/prompts, then the embedded defaults.
func DefaultLoader(projectRoot string) *Loader {
	var dirs []string
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".sandbox-builder", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "sandbox-builder", "prompts"))
	}
	return NewLoader(dirs...)
}

func (l *Loader) read(path string) ([]byte, error) {
	for _, layer := range l.layers {
		data, err := fs.ReadFile(layer, path)
		if err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("template %s: %w", path, fs.ErrNotExist)
}

// splitFrontmatter separates a leading "---" YAML block from the body.
// Content without a complete block is all body.
func splitFrontmatter(content []byte) (Meta, string, error) {
	var meta Meta
	rest, ok := bytes.CutPrefix(content, []byte("---\n"))
	if !ok {
		return meta, string(content), nil
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return meta, string(content), nil
	}
	if err := yaml.Unmarshal(head, &meta); err != nil {
		return meta, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, string(body), nil
}

func (l *Loader) load(path string) (*compiled, error) {
	l.mu.RLock()
	c, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return c, nil
	}

	content, err := l.read(path)
	if err != nil {
		return nil, err
	}
	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c = &compiled{meta: meta}
	if c.body, err = template.New(path).Funcs(funcs).Parse(body); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	if meta.Title != "" {
		if c.title, err = template.New(path + ":title").Funcs(funcs).Parse(meta.Title); err != nil {
			return nil, fmt.Errorf("compile title of %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.cache[path] = c
	l.mu.Unlock()
	return c, nil
}

// Meta returns the frontmatter of a template.
func (l *Loader) Meta(path string) (Meta, error) {
	c, err := l.load(path)
	if err != nil {
		return Meta{}, err
	}
	return c.meta, nil
}

func (l *Loader) render(path string, data any) (string, error) {
	c, err := l.load(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := c.body.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", path, err)
	}
	return buf.String(), nil
}

// renderTitle returns "" for templates without a frontmatter title.
func (l *Loader) renderTitle(path string, data any) (string, error) {
	c, err := l.load(path)
	if err != nil || c.title == nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := c.title.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render title of %s: %w", path, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
