package boxes

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/stores"
)

type fakeCatalog map[string]bool

func (c fakeCatalog) UnknownSkills(requested []string) []string {
	var unknown []string
	for _, id := range requested {
		if !c[id] {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

func newTestService(t *testing.T) (*Service, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	catalog := fakeCatalog{"git": true, "node": true, "python": true}
	return NewService(store, catalog, "docker", zerolog.Nop(), nil), store
}

// sequence returns a suffix generator that yields values in order and then
// repeats the last one.
func sequence(values ...string) func() string {
	i := 0
	return func() string {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v
	}
}

func TestCreate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	box, err := svc.Create(ctx, CreateRequest{
		Name:    "demo",
		OwnerID: "user-1",
		Skills:  []string{"git", "node", "git"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if box.Status != engine.BoxStatusPending {
		t.Errorf("Status = %s, want pending", box.Status)
	}
	if !regexp.MustCompile(`^demo-[a-z0-9]{4}$`).MatchString(box.Subdomain) {
		t.Errorf("Subdomain %q does not match demo-[a-z0-9]{4}", box.Subdomain)
	}
	if box.DeploymentAttempt != 1 || box.Provider != "docker" {
		t.Errorf("Unexpected box: attempt=%d provider=%s", box.DeploymentAttempt, box.Provider)
	}
	if len(box.Skills) != 2 || box.Skills[0] != "git" || box.Skills[1] != "node" {
		t.Errorf("Skills = %v, want [git node]", box.Skills)
	}
	if box.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %v, want nil", *box.ErrorMessage)
	}

	stored, err := svc.Get(ctx, box.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.Subdomain != box.Subdomain {
		t.Errorf("stored subdomain = %s, want %s", stored.Subdomain, box.Subdomain)
	}

	entries, err := store.ListAudit(ctx, box.ID, 10)
	if err != nil {
		t.Fatalf("ListAudit() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "box.create" || entries[0].Actor != "user-1" {
		t.Errorf("Unexpected audit trail: %+v", entries)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing name", CreateRequest{OwnerID: "user-1"}},
		{"blank name", CreateRequest{Name: "   ", OwnerID: "user-1"}},
		{"missing owner", CreateRequest{Name: "demo"}},
		{"unknown skill", CreateRequest{Name: "demo", OwnerID: "user-1", Skills: []string{"git", "cobol"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			if !engine.IsValidation(err) {
				t.Errorf("Create() = %v, want VALIDATION_FAILED", err)
			}
		})
	}
}

func TestCreateDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-1"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-1"})
	if !engine.IsValidation(err) {
		t.Fatalf("duplicate name: got %v, want VALIDATION_FAILED", err)
	}

	if _, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-2"}); err != nil {
		t.Fatalf("same name for another owner should succeed: %v", err)
	}
}

func TestCreateRetriesSubdomainCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.suffix = sequence("aaaa", "aaaa", "bbbb")

	first, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	second, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-2"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if first.Subdomain != "demo-aaaa" || second.Subdomain != "demo-bbbb" {
		t.Errorf("subdomains = %s, %s; want demo-aaaa, demo-bbbb", first.Subdomain, second.Subdomain)
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.suffix = sequence("aaaa")

	if _, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-1"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	_, err := svc.Create(ctx, CreateRequest{Name: "demo", OwnerID: "user-2"})
	if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Fatalf("Create() = %v, want ALREADY_EXISTS", err)
	}
}

func TestListAndGetOwned(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, CreateRequest{Name: "a", OwnerID: "user-1"})
	if _, err := svc.Create(ctx, CreateRequest{Name: "b", OwnerID: "user-1"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Name: "c", OwnerID: "user-2"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	boxes, err := svc.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(boxes) != 2 {
		t.Errorf("List() returned %d boxes, want 2", len(boxes))
	}

	if _, err := svc.List(ctx, ""); !engine.IsValidation(err) {
		t.Errorf("List(\"\") = %v, want VALIDATION_FAILED", err)
	}

	if _, err := svc.GetOwned(ctx, "user-1", a.ID); err != nil {
		t.Errorf("GetOwned() by owner: %v", err)
	}
	if _, err := svc.GetOwned(ctx, "user-2", a.ID); !engine.IsNotFound(err) {
		t.Errorf("GetOwned() by other owner = %v, want NOT_FOUND", err)
	}
	if _, err := svc.Get(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("Get(missing) = %v, want NOT_FOUND", err)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"demo", "demo"},
		{"My Box", "my-box"},
		{"  --Hello, World!--  ", "hello-world"},
		{"näive café", "n-ive-caf"},
		{"", "box"},
		{"!!!", "box"},
		{"a very long name that keeps going and going forever", "a-very-long-name-that-keeps-going-and-go"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRandomSuffix(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{4}$`)
	for i := 0; i < 100; i++ {
		if s := RandomSuffix(); !re.MatchString(s) {
			t.Fatalf("RandomSuffix() = %q", s)
		}
	}
}
