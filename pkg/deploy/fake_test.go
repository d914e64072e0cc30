package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// fakeProvider is an in-memory provider. Instances are keyed by name so
// CreateInstance is idempotent like the real backends.
type fakeProvider struct {
	mu sync.Mutex

	byName   map[string]*providers.Instance
	creates  int
	deleted  []string
	public   map[string]bool
	files    map[string][]byte
	commands []string

	// statuses are returned by GetStatus in order; the last one repeats.
	statuses []string
	polls    int

	// statusDelay makes GetStatus block until it elapses or ctx ends.
	statusDelay time.Duration

	// exec overrides the default exit-0 command behaviour.
	exec func(ctx context.Context, cmd providers.Command) (*providers.ExecResult, error)
}

func newFakeProvider(statuses ...string) *fakeProvider {
	if len(statuses) == 0 {
		statuses = []string{"running"}
	}
	return &fakeProvider{
		byName:   make(map[string]*providers.Instance),
		public:   make(map[string]bool),
		files:    make(map[string][]byte),
		statuses: statuses,
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateInstance(ctx context.Context, spec providers.InstanceSpec) (*providers.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.byName[spec.Name]; ok {
		return inst, nil
	}
	f.creates++
	inst := &providers.Instance{
		Handle: fmt.Sprintf("h-%s", spec.Name),
		URL:    fmt.Sprintf("https://%s.boxes.test", spec.Subdomain),
		Status: "created",
	}
	f.byName[spec.Name] = inst
	return inst, nil
}

func (f *fakeProvider) ExecCommand(ctx context.Context, handle string, cmd providers.Command) (*providers.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd.String())
	exec := f.exec
	f.mu.Unlock()

	if exec != nil {
		return exec(ctx, cmd)
	}
	return &providers.ExecResult{ExitCode: 0}, nil
}

func (f *fakeProvider) WriteFile(ctx context.Context, handle, path string, data []byte, opts providers.FileOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[handle+":"+path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeProvider) ReadFile(ctx context.Context, handle, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[handle+":"+path]
	if !ok {
		return nil, engine.ProviderError("read_file", 404, "no such file", nil)
	}
	return data, nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, handle string) (string, error) {
	if f.statusDelay > 0 {
		select {
		case <-time.After(f.statusDelay):
		case <-ctx.Done():
			f.mu.Lock()
			f.polls++
			f.mu.Unlock()
			return "", engine.ProviderError("get_status", 0, "", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeProvider) SetPublicAccess(ctx context.Context, handle string, public bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public[handle] = public
	return nil
}

func (f *fakeProvider) DeleteInstance(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *fakeProvider) setStatuses(statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	f.polls = 0
}

func (f *fakeProvider) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeProvider) wasDeleted(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.deleted {
		if h == handle {
			return true
		}
	}
	return false
}

func (f *fakeProvider) file(handle, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.files[handle+":"+path])
}

// failCommands makes every command containing one of the fragments exit 1.
func failCommands(fragments ...string) func(ctx context.Context, cmd providers.Command) (*providers.ExecResult, error) {
	return func(ctx context.Context, cmd providers.Command) (*providers.ExecResult, error) {
		for _, frag := range fragments {
			if strings.Contains(cmd.String(), frag) {
				return &providers.ExecResult{ExitCode: 1, Stderr: frag + ": not found"}, nil
			}
		}
		return &providers.ExecResult{ExitCode: 0}, nil
	}
}
