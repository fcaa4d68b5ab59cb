package pipeline

import "sync"

// Noop is a Pipeline that runs no modules: every lifecycle hook succeeds
// immediately and HasGrouping returns the flag given to NewNoop. It exists so the rest of
// this module — the Analysis Facade, the CLI, and package tests — has a
// concrete Pipeline to drive without depending on a real image-analysis
// pipeline implementation, which spec.md declares out of scope.
type Noop struct {
	mu        sync.Mutex
	listeners []Listener
	grouping  bool
}

// NewNoop constructs a Noop pipeline. grouping controls HasGrouping's
// return value, letting tests exercise both the grouped and non-grouped
// job-construction paths.
func NewNoop(grouping bool) *Noop {
	return &Noop{grouping: grouping}
}

func (p *Noop) Clone() Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Noop{grouping: p.grouping}
}

func (p *Noop) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Noop) notify(event string, detail map[string]string) {
	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range listeners {
		l.Notify(event, detail)
	}
}

func (p *Noop) Serialize() (string, error) { return "noop-pipeline", nil }

func (p *Noop) HasGrouping() bool { return p.grouping }

func (p *Noop) PrepareRun(ws Workspace) error {
	p.notify("prepare_run", nil)
	return nil
}

func (p *Noop) PrepareGroup(ws Workspace, groupKey map[string]string, imageSets []int) error {
	p.notify("prepare_group", groupKey)
	return nil
}

func (p *Noop) PostGroup(ws Workspace, groupKey map[string]string) error {
	p.notify("post_group", groupKey)
	return nil
}

func (p *Noop) PostRun(ws Workspace) error {
	p.notify("post_run", nil)
	return nil
}
