package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/froyobox/pkg/boxes"
	"github.com/openfroyo/froyobox/pkg/cronjobs"
	"github.com/openfroyo/froyobox/pkg/engine"
)

// fakeBackend implements Boxes, Deployments and Cronjobs in memory.
type fakeBackend struct {
	mu       sync.Mutex
	boxes    map[string]*engine.Box
	cronjobs map[string]*engine.Cronjob
	runs     map[string][]*engine.CronjobExecution
	steps    map[string][]*engine.DeployStep
	seq      int

	// deployErr is returned by Deploy when set.
	deployErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		boxes:    make(map[string]*engine.Box),
		cronjobs: make(map[string]*engine.Cronjob),
		runs:     make(map[string][]*engine.CronjobExecution),
		steps:    make(map[string][]*engine.DeployStep),
	}
}

func (f *fakeBackend) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeBackend) Create(_ context.Context, req boxes.CreateRequest) (*engine.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Name == "" {
		return nil, engine.ValidationError("invalid box request: name is required")
	}
	for _, b := range f.boxes {
		if b.OwnerID == req.OwnerID && b.Name == req.Name && b.Status != engine.BoxStatusDeleted {
			return nil, engine.ValidationError("box name %q is already in use", req.Name)
		}
	}
	box := &engine.Box{
		ID:                f.nextID("box"),
		Name:              req.Name,
		Subdomain:         req.Name + "-abc123",
		Status:            engine.BoxStatusPending,
		Provider:          "fake",
		DeploymentAttempt: 1,
		Skills:            req.Skills,
		OwnerID:           req.OwnerID,
	}
	f.boxes[box.ID] = box
	return clone(box), nil
}

func (f *fakeBackend) List(_ context.Context, ownerID string) ([]*engine.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*engine.Box
	for _, b := range f.boxes {
		if b.OwnerID == ownerID && b.Status != engine.BoxStatusDeleted {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBackend) GetOwned(_ context.Context, ownerID, id string) (*engine.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned(ownerID, id)
}

func (f *fakeBackend) owned(ownerID, id string) (*engine.Box, error) {
	b, ok := f.boxes[id]
	if !ok || (ownerID != "" && b.OwnerID != ownerID) {
		return nil, engine.NotFoundError("box", id)
	}
	return clone(b), nil
}

func (f *fakeBackend) History(_ context.Context, id string, limit int) ([]*engine.AuditEntry, error) {
	entries := []*engine.AuditEntry{
		{ID: "a-2", Action: "box.deploy", Entity: "box", EntityID: id},
		{ID: "a-1", Action: "box.create", Entity: "box", EntityID: id},
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeBackend) Deploy(_ context.Context, boxID, ownerID string) (*engine.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deployErr != nil {
		return nil, f.deployErr
	}
	b, err := f.owned(ownerID, boxID)
	if err != nil {
		return nil, err
	}
	if !b.Status.IsDeployable() {
		return nil, engine.InvalidStatusError(boxID, b.Status, engine.BoxStatusDeploying)
	}
	stored := f.boxes[boxID]
	if stored.Status == engine.BoxStatusError {
		stored.DeploymentAttempt++
	}
	stored.Status = engine.BoxStatusDeploying
	f.steps[boxID] = append(f.steps[boxID], &engine.DeployStep{
		ID:                f.nextID("step"),
		BoxID:             boxID,
		DeploymentAttempt: stored.DeploymentAttempt,
		StepKey:           engine.StepCreateInstance,
		Status:            engine.StepStatusPending,
	})
	return clone(stored), nil
}

func (f *fakeBackend) Delete(_ context.Context, boxID, ownerID string) (*engine.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.owned(ownerID, boxID); err != nil {
		return nil, err
	}
	stored := f.boxes[boxID]
	stored.Status = engine.BoxStatusDeleted
	return clone(stored), nil
}

func (f *fakeBackend) Steps(_ context.Context, boxID, ownerID string, attempt int) ([]*engine.DeployStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.owned(ownerID, boxID); err != nil {
		return nil, err
	}
	var out []*engine.DeployStep
	for _, s := range f.steps[boxID] {
		if attempt == 0 || s.DeploymentAttempt == attempt {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) Plan(_ context.Context, boxID, ownerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.owned(ownerID, boxID); err != nil {
		return "", err
	}
	return "digraph deploy {\n  \"create-instance\";\n}\n", nil
}

// setStatus moves a stored box to status.
func (f *fakeBackend) setStatus(id string, status engine.BoxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes[id].Status = status
}

// cronService adapts the fake to the Cronjobs interface, whose method names
// overlap with Boxes.
type cronService struct{ f *fakeBackend }

func (c cronService) Create(_ context.Context, req cronjobs.CreateRequest) (*engine.Cronjob, error) {
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Schedule == "not a schedule" {
		return nil, engine.ValidationError("invalid schedule %q", req.Schedule)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cj := &engine.Cronjob{
		ID:       f.nextID("cron"),
		BoxID:    req.BoxID,
		Name:     req.Name,
		Schedule: req.Schedule,
		Timezone: req.Timezone,
		Command:  req.Command,
		Enabled:  enabled,
	}
	f.cronjobs[cj.ID] = cj
	copied := *cj
	return &copied, nil
}

func (c cronService) Get(_ context.Context, id string) (*engine.Cronjob, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	cj, ok := c.f.cronjobs[id]
	if !ok {
		return nil, engine.NotFoundError("cronjob", id)
	}
	copied := *cj
	return &copied, nil
}

func (c cronService) List(_ context.Context, boxID string) ([]*engine.Cronjob, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	var out []*engine.Cronjob
	for _, cj := range c.f.cronjobs {
		if cj.BoxID == boxID {
			copied := *cj
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c cronService) Update(_ context.Context, id string, req cronjobs.UpdateRequest) (*engine.Cronjob, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	cj, ok := c.f.cronjobs[id]
	if !ok {
		return nil, engine.NotFoundError("cronjob", id)
	}
	if req.Schedule != nil {
		cj.Schedule = *req.Schedule
	}
	if req.Command != nil {
		cj.Command = *req.Command
	}
	copied := *cj
	return &copied, nil
}

func (c cronService) Toggle(_ context.Context, id string, enabled bool) (*engine.Cronjob, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	cj, ok := c.f.cronjobs[id]
	if !ok {
		return nil, engine.NotFoundError("cronjob", id)
	}
	cj.Enabled = enabled
	copied := *cj
	return &copied, nil
}

func (c cronService) Delete(_ context.Context, id string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	if _, ok := c.f.cronjobs[id]; !ok {
		return engine.NotFoundError("cronjob", id)
	}
	delete(c.f.cronjobs, id)
	return nil
}

func (c cronService) Runs(_ context.Context, id string, limit int) ([]*engine.CronjobExecution, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()

	runs := c.f.runs[id]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func clone(b *engine.Box) *engine.Box {
	copied := *b
	copied.Skills = append([]string(nil), b.Skills...)
	return &copied
}
