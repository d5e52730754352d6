package campaign

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teranos/herald/errors"
)

// Provider is the read-only source of live workflows.
type Provider interface {
	// ActiveWorkflows returns every workflow currently in the active status.
	ActiveWorkflows(ctx context.Context) ([]*Workflow, error)
	// Workflow returns one workflow regardless of status, or an ErrNotFound error.
	Workflow(ctx context.Context, id string) (*Workflow, error)
}

// DirProvider reads one workflow per YAML file from a directory.
// Files are re-read on every call so edits are picked up without a restart.
type DirProvider struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewDirProvider creates a provider over dir.
func NewDirProvider(dir string, logger *zap.SugaredLogger) *DirProvider {
	return &DirProvider{dir: dir, logger: logger}
}

// ActiveWorkflows loads all valid active workflows. Invalid files are logged and skipped.
func (p *DirProvider) ActiveWorkflows(ctx context.Context) ([]*Workflow, error) {
	all, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	var active []*Workflow
	for _, wf := range all {
		if wf.IsActive() {
			active = append(active, wf)
		}
	}
	return active, nil
}

// Workflow returns the workflow with the given id.
func (p *DirProvider) Workflow(ctx context.Context, id string) (*Workflow, error) {
	all, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, wf := range all {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, errors.NewNotFoundError("workflow %s", id)
}

func (p *DirProvider) load(ctx context.Context) ([]*Workflow, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read workflows dir %s", p.dir)
	}

	var workflows []*Workflow
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		wf, err := readWorkflowFile(filepath.Join(p.dir, name))
		if err != nil {
			p.logger.Warnw("Skipping workflow file", "file", name, "error", err)
			continue
		}
		workflows = append(workflows, wf)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })
	return workflows, nil
}

func readWorkflowFile(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var wf Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if wf.Status == "" {
		wf.Status = StatusDraft
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// MemoryProvider is an in-process Provider, used by embedders that keep
// workflows elsewhere and by tests.
type MemoryProvider struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryProvider creates a provider holding wfs.
func NewMemoryProvider(wfs ...*Workflow) *MemoryProvider {
	p := &MemoryProvider{workflows: make(map[string]*Workflow)}
	for _, wf := range wfs {
		p.Put(wf)
	}
	return p
}

// Put adds or replaces a workflow.
func (p *MemoryProvider) Put(wf *Workflow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflows[wf.ID] = wf
}

// ActiveWorkflows implements Provider.
func (p *MemoryProvider) ActiveWorkflows(ctx context.Context) ([]*Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var active []*Workflow
	for _, wf := range p.workflows {
		if wf.IsActive() {
			active = append(active, wf)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// Workflow implements Provider.
func (p *MemoryProvider) Workflow(ctx context.Context, id string) (*Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	wf, ok := p.workflows[id]
	if !ok {
		return nil, errors.NewNotFoundError("workflow %s", id)
	}
	return wf, nil
}
