// Package workflow declares the named, ordered stage sequences the orchestrator runs
// and the input normalization that makes equivalent requests share a cache key.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/task"
	"golang.org/x/time/rate"
)

const (
	ChannelHealth   = "channel_health"
	VideoAnalysis   = "video_analysis"
	Monetization    = "monetization"
	RevenuePlaybook = "revenue_playbook"
)

var (
	ErrInvalidInput    = errors.New("invalid workflow input")
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// Stage binds one step of a workflow to exactly one Fetcher. The Fetcher receives
// the context accumulated by earlier stages.
type Stage struct {
	Name    string
	Fetcher fetcher.Fetcher
	// When, if set, decides from the accumulated context whether the stage runs.
	When    func(task.Payload) bool
	Timeout time.Duration
	Limiter *rate.Limiter
}

type Definition struct {
	Name        string
	Description string
	Stages      []Stage
	TTL         time.Duration
	Normalize   func(task.Payload) (task.Payload, error)
}

func (d *Definition) StageNames() []string {
	names := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		names[i] = s.Name
	}
	return names
}

type Catalog struct {
	defs map[string]*Definition
}

func NewCatalog(defs ...*Definition) *Catalog {
	c := &Catalog{defs: make(map[string]*Definition)}
	for _, d := range defs {
		c.Register(d)
	}
	return c
}

func (c *Catalog) Register(d *Definition) {
	c.defs[d.Name] = d
}

func (c *Catalog) Get(name string) (*Definition, error) {
	d, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return d, nil
}

// Names returns the registered workflow names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
