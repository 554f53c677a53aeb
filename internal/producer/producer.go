// Package producer defines the capability every generation model adapter implements and the
// registry the coordinator resolves model names against.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrEmptyResult = errors.New("producer: empty result")

// Params are the per-request knobs shared by all models. Adapters ignore what they do not support.
type Params struct {
	AspectRatio  string
	Resolution   string
	OutputFormat string
	InputURLs    []string
}

type Result struct {
	URL     string
	Caption string
}

type Producer interface {
	Generate(ctx context.Context, prompt string, params Params) (*Result, error)
}

// Func adapts a plain function into a Producer.
type Func func(ctx context.Context, prompt string, params Params) (*Result, error)

func (f Func) Generate(ctx context.Context, prompt string, params Params) (*Result, error) {
	return f(ctx, prompt, params)
}

type Model struct {
	Name        string
	Title       string
	CostPerUnit int
	Timeout     time.Duration
	Producer    Producer
}

type Registry struct {
	models map[string]Model
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

func (r *Registry) Register(m Model) error {
	key := normalize(m.Name)
	switch {
	case key == "":
		return fmt.Errorf("register model: empty name")
	case m.Producer == nil:
		return fmt.Errorf("register model %s: nil producer", m.Name)
	case m.CostPerUnit < 0:
		return fmt.Errorf("register model %s: negative cost", m.Name)
	case m.Timeout <= 0:
		return fmt.Errorf("register model %s: timeout must be positive", m.Name)
	}
	if _, exists := r.models[key]; exists {
		return fmt.Errorf("register model %s: already registered", m.Name)
	}
	r.models[key] = m
	return nil
}

// Lookup resolves a model by name, ignoring case and surrounding space.
func (r *Registry) Lookup(name string) (Model, bool) {
	m, ok := r.models[normalize(name)]
	return m, ok
}

// Models lists registered models sorted by name.
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
