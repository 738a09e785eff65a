package org

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/defiant4/organization-management-service/internal/clock"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newHierarchy(t *testing.T, opts ...Option) *Hierarchy {
	t.Helper()
	seq := 0
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	base := []Option{
		WithClock(clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithIDGenerator(gen),
	}
	return NewHierarchy(append(base, opts...)...)
}

func mustCreate(t *testing.T, h *Hierarchy, name, parent string) Organization {
	t.Helper()
	o, err := h.CreateOrganization(context.Background(), name, parent)
	if err != nil {
		t.Fatalf("CreateOrganization(%q): %v", name, err)
	}
	return o
}

func mustAdd(t *testing.T, h *Hierarchy, user, orgID string, role Role) {
	t.Helper()
	if _, err := h.AddMember(context.Background(), user, orgID, role); err != nil {
		t.Fatalf("AddMember(%s, %s, %s): %v", user, orgID, role, err)
	}
}

func TestInheritedOwnerScenario(t *testing.T) {
	h := newHierarchy(t)
	acme := mustCreate(t, h, "Acme", "")
	mustAdd(t, h, "u1", acme.ID, RoleOwner)
	eng := mustCreate(t, h, "Eng", acme.ID)

	role, err := h.EffectiveRole("u1", eng.ID)
	if err != nil {
		t.Fatalf("EffectiveRole: %v", err)
	}
	if role != RoleOwner {
		t.Fatalf("effective role = %s, want owner", role)
	}
	if _, err := h.Membership("u1", eng.ID); !errors.Is(err, ErrMembershipNotFound) {
		t.Fatalf("u1 should have no direct membership at Eng, got %v", err)
	}
	if role, _ := h.EffectiveRole("stranger", eng.ID); role != RoleNone {
		t.Fatalf("stranger role = %s, want none", role)
	}
	if role, _ := h.EffectiveRole("u1", "missing"); role != RoleNone {
		t.Fatalf("unknown org should yield none")
	}
	if _, err := h.EffectiveRole("u1", "missing"); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestEffectiveRoleIsMaximumAlongChain(t *testing.T) {
	roles := []Role{RoleViewer, RoleMember, RoleAdmin, RoleOwner}
	for _, r1 := range roles {
		for _, r2 := range roles {
			t.Run(r1.String()+"_"+r2.String(), func(t *testing.T) {
				h := newHierarchy(t)
				parent := mustCreate(t, h, "P", "")
				child := mustCreate(t, h, "O", parent.ID)
				mustAdd(t, h, "u", child.ID, r1)
				mustAdd(t, h, "u", parent.ID, r2)
				got, err := h.EffectiveRole("u", child.ID)
				if err != nil {
					t.Fatalf("EffectiveRole: %v", err)
				}
				if want := MaxRole(r1, r2); got != want {
					t.Fatalf("effective role = %s, want %s", got, want)
				}
				// inheritance flows down only
				if got, _ := h.EffectiveRole("u", parent.ID); got != r2 {
					t.Fatalf("parent role = %s, want %s", got, r2)
				}
			})
		}
	}
}

func TestCreateOrganizationValidation(t *testing.T) {
	h := newHierarchy(t)
	acme := mustCreate(t, h, "Acme", "")
	mustCreate(t, h, "Eng", acme.ID)

	cases := []struct {
		name   string
		org    string
		parent string
		want   error
	}{
		{name: "blank name", org: "  ", want: ErrInvalidInput},
		{name: "missing parent", org: "Ops", parent: "nope", want: ErrOrganizationNotFound},
		{name: "duplicate root", org: "acme", want: ErrConflict},
		{name: "duplicate sibling", org: "ENG", parent: acme.ID, want: ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.CreateOrganization(context.Background(), tc.org, tc.parent)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	other := mustCreate(t, h, "Other", "")
	if _, err := h.CreateOrganization(context.Background(), "Eng", other.ID); err != nil {
		t.Fatalf("same name under a different parent should be allowed: %v", err)
	}
	got, err := h.RootByName("ACME")
	if err != nil || got.ID != acme.ID {
		t.Fatalf("RootByName = %+v, %v", got, err)
	}
}

func TestCreateRecordsActor(t *testing.T) {
	h := newHierarchy(t)
	ctx := reqctx.WithActor(context.Background(), "u9")
	o, err := h.CreateOrganization(ctx, "Acme", "")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if o.CreatedBy != "u9" || o.UpdatedBy != "u9" {
		t.Fatalf("actor not recorded: %+v", o)
	}
	anon := mustCreate(t, h, "Beta", "")
	if anon.CreatedBy != "system" {
		t.Fatalf("expected system actor, got %q", anon.CreatedBy)
	}
}

// buildTree creates r -> a -> b -> c and r -> d.
func buildTree(t *testing.T, h *Hierarchy) map[string]string {
	t.Helper()
	ids := map[string]string{}
	ids["r"] = mustCreate(t, h, "r", "").ID
	ids["a"] = mustCreate(t, h, "a", ids["r"]).ID
	ids["b"] = mustCreate(t, h, "b", ids["a"]).ID
	ids["c"] = mustCreate(t, h, "c", ids["b"]).ID
	ids["d"] = mustCreate(t, h, "d", ids["r"]).ID
	return ids
}

func TestMoveCycleDetectedIffDescendant(t *testing.T) {
	names := []string{"r", "a", "b", "c", "d"}
	// descendants (inclusive) in the initial tree
	below := map[string][]string{
		"r": {"r", "a", "b", "c", "d"},
		"a": {"a", "b", "c"},
		"b": {"b", "c"},
		"c": {"c"},
		"d": {"d"},
	}
	for _, src := range names {
		for _, dst := range names {
			t.Run(src+"_under_"+dst, func(t *testing.T) {
				h := newHierarchy(t)
				ids := buildTree(t, h)
				_, err := h.MoveOrganization(context.Background(), ids[src], ids[dst])
				wantCycle := false
				for _, n := range below[src] {
					if n == dst {
						wantCycle = true
					}
				}
				if wantCycle != errors.Is(err, ErrCycleDetected) {
					t.Fatalf("move %s under %s: err = %v, wantCycle = %v", src, dst, err, wantCycle)
				}
				if !wantCycle && err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			})
		}
	}
}

func TestMoveReparentsAndKeepsStoreInStep(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{}
	h := newHierarchy(t, WithStore(store), WithEventSink(sink))
	ids := buildTree(t, h)

	moved, err := h.MoveOrganization(context.Background(), ids["b"], ids["d"])
	if err != nil {
		t.Fatalf("MoveOrganization: %v", err)
	}
	if moved.ParentID != ids["d"] {
		t.Fatalf("parent = %s, want %s", moved.ParentID, ids["d"])
	}
	chain, _ := h.Ancestors(ids["c"])
	var got []string
	for _, o := range chain {
		got = append(got, o.Name)
	}
	if fmt.Sprint(got) != "[c b d r]" {
		t.Fatalf("ancestors = %v", got)
	}

	reloaded := newHierarchy(t, WithStore(store))
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	o, _ := reloaded.Organization(ids["b"])
	if o.ParentID != ids["d"] {
		t.Fatalf("store not updated: %+v", o)
	}

	if _, err := h.MoveOrganization(context.Background(), ids["b"], ""); err != nil {
		t.Fatalf("move to root: %v", err)
	}
	if o, _ := h.Organization(ids["b"]); !o.IsRoot() {
		t.Fatalf("b should be a root")
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != EventOrganizationMoved || last.PreviousParentID != ids["d"] || last.ParentID != "" {
		t.Fatalf("unexpected move event: %+v", last)
	}
}

func TestMoveNameConflictInTargetScope(t *testing.T) {
	h := newHierarchy(t)
	x := mustCreate(t, h, "X", "")
	y := mustCreate(t, h, "Y", "")
	mustCreate(t, h, "Eng", x.ID)
	eng2 := mustCreate(t, h, "Eng", y.ID)
	if _, err := h.MoveOrganization(context.Background(), eng2.ID, x.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestConcurrentMovesNeverCreateCycle(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHierarchy(t)
		a := mustCreate(t, h, "A", "")
		b := mustCreate(t, h, "B", "")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.MoveOrganization(context.Background(), a.ID, b.ID)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.MoveOrganization(context.Background(), b.ID, a.ID)
		}()
		wg.Wait()

		ok := 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCycleDetected):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 {
			t.Fatalf("exactly one move must win, got %d (errs=%v)", ok, errs)
		}
		for _, id := range []string{a.ID, b.ID} {
			if _, err := h.Ancestors(id); err != nil {
				t.Fatalf("forest corrupted: %v", err)
			}
		}
	}
}

func TestAddMemberReplacesRole(t *testing.T) {
	sink := &recordingSink{}
	h := newHierarchy(t, WithEventSink(sink))
	acme := mustCreate(t, h, "Acme", "")
	mustAdd(t, h, "u1", acme.ID, RoleMember)
	mustAdd(t, h, "u1", acme.ID, RoleAdmin)
	mustAdd(t, h, "u1", acme.ID, RoleAdmin)

	members, _ := h.Members(acme.ID)
	if len(members) != 1 || members[0].Role != RoleAdmin {
		t.Fatalf("unexpected members: %+v", members)
	}
	want := []EventType{EventOrganizationCreated, EventMemberAdded, EventMemberRoleChanged}
	if fmt.Sprint(sink.types()) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", sink.types(), want)
	}
	if _, err := h.AddMember(context.Background(), "u1", acme.ID, RoleNone); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("granting none must fail, got %v", err)
	}
	if _, err := h.AddMember(context.Background(), "u1", "nope", RoleViewer); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestSetMemberComparesCurrentRole(t *testing.T) {
	h := newHierarchy(t)
	ctx := context.Background()
	acme := mustCreate(t, h, "Acme", "")
	mustAdd(t, h, "root", acme.ID, RoleOwner)

	// An invite decided while u1 had no membership must not overwrite an
	// Owner grant that landed in between.
	mustAdd(t, h, "u1", acme.ID, RoleOwner)
	if _, err := h.SetMember(ctx, "u1", acme.ID, RoleViewer, RoleNone); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if m, _ := h.Membership("u1", acme.ID); m.Role != RoleOwner {
		t.Fatalf("role changed despite conflict: %s", m.Role)
	}

	if _, err := h.SetMember(ctx, "u2", acme.ID, RoleMember, RoleNone); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := h.SetMember(ctx, "u2", acme.ID, RoleAdmin, RoleViewer); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale expected role should conflict, got %v", err)
	}
	m, err := h.SetMember(ctx, "u2", acme.ID, RoleAdmin, RoleMember)
	if err != nil {
		t.Fatalf("change role: %v", err)
	}
	if m.Role != RoleAdmin {
		t.Fatalf("role = %s, want admin", m.Role)
	}
}

func TestCreateOrganizationWithOwner(t *testing.T) {
	sink := &recordingSink{}
	h := newHierarchy(t, WithEventSink(sink))
	o, m, err := h.CreateOrganizationWithOwner(context.Background(), "Acme", "", "u1")
	if err != nil {
		t.Fatalf("CreateOrganizationWithOwner: %v", err)
	}
	if m.Role != RoleOwner || m.OrganizationID != o.ID || m.UserID != "u1" {
		t.Fatalf("unexpected owner membership: %+v", m)
	}
	if role, _ := h.EffectiveRole("u1", o.ID); role != RoleOwner {
		t.Fatalf("effective role = %s", role)
	}
	want := []EventType{EventOrganizationCreated, EventMemberAdded}
	if fmt.Sprint(sink.types()) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", sink.types(), want)
	}
	if _, _, err := h.CreateOrganizationWithOwner(context.Background(), "Globex", "", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank owner, got %v", err)
	}
}

type rejectingCreateStore struct {
	*MemoryStore
	fail bool
}

func (s *rejectingCreateStore) CreateOrganization(ctx context.Context, o Organization, owner *Membership) error {
	if s.fail {
		return errors.New("owner insert failed")
	}
	return s.MemoryStore.CreateOrganization(ctx, o, owner)
}

func TestCreateWithOwnerFailureLeavesNothing(t *testing.T) {
	store := &rejectingCreateStore{MemoryStore: NewMemoryStore(), fail: true}
	h := newHierarchy(t, WithStore(store))
	if _, _, err := h.CreateOrganizationWithOwner(context.Background(), "Acme", "", "u1"); err == nil {
		t.Fatalf("expected store error")
	}
	if _, err := h.RootByName("Acme"); !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("organization left behind: %v", err)
	}
	if got := h.MembershipsForUser("u1"); len(got) != 0 {
		t.Fatalf("membership left behind: %+v", got)
	}
	snap, _ := store.Load(context.Background())
	if len(snap.Organizations) != 0 {
		t.Fatalf("store kept %d organizations", len(snap.Organizations))
	}

	store.fail = false
	if _, _, err := h.CreateOrganizationWithOwner(context.Background(), "Acme", "", "u1"); err != nil {
		t.Fatalf("retry under the same name: %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	h := newHierarchy(t)
	acme := mustCreate(t, h, "Acme", "")
	mustAdd(t, h, "u1", acme.ID, RoleMember)
	if err := h.RemoveMember(context.Background(), "u1", acme.ID); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if err := h.RemoveMember(context.Background(), "u1", acme.ID); !errors.Is(err, ErrMembershipNotFound) {
		t.Fatalf("expected ErrMembershipNotFound, got %v", err)
	}
	if got := h.MembershipsForUser("u1"); len(got) != 0 {
		t.Fatalf("user index not cleaned: %+v", got)
	}
}

func TestLastOwnerProtection(t *testing.T) {
	h := newHierarchy(t)
	acme := mustCreate(t, h, "Acme", "")
	eng := mustCreate(t, h, "Eng", acme.ID)
	mustAdd(t, h, "owner", acme.ID, RoleOwner)

	if err := h.RemoveMember(context.Background(), "owner", acme.ID); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("removing sole owner: expected ErrLastOwner, got %v", err)
	}
	if _, err := h.AddMember(context.Background(), "owner", acme.ID, RoleAdmin); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("demoting sole owner: expected ErrLastOwner, got %v", err)
	}

	// an owner of a sub-organization is covered by the ancestor owner
	mustAdd(t, h, "lead", eng.ID, RoleOwner)
	if err := h.RemoveMember(context.Background(), "lead", eng.ID); err != nil {
		t.Fatalf("sub-org owner with ancestor owner should be removable: %v", err)
	}

	mustAdd(t, h, "second", acme.ID, RoleOwner)
	if _, err := h.AddMember(context.Background(), "owner", acme.ID, RoleAdmin); err != nil {
		t.Fatalf("demotion with another owner present: %v", err)
	}
}

func TestArchivedScope(t *testing.T) {
	sink := &recordingSink{}
	h := newHierarchy(t, WithEventSink(sink))
	acme := mustCreate(t, h, "Acme", "")
	eng := mustCreate(t, h, "Eng", acme.ID)

	if _, archived, _ := h.ArchivedScope(eng.ID); archived {
		t.Fatalf("nothing archived yet")
	}
	if _, err := h.ArchiveOrganization(context.Background(), acme.ID); err != nil {
		t.Fatalf("ArchiveOrganization: %v", err)
	}
	if _, err := h.ArchiveOrganization(context.Background(), acme.ID); err != nil {
		t.Fatalf("second archive should be a no-op: %v", err)
	}
	scope, archived, err := h.ArchivedScope(eng.ID)
	if err != nil || !archived || scope.ID != acme.ID {
		t.Fatalf("ArchivedScope = %+v, %v, %v", scope, archived, err)
	}
	if o, _ := h.Organization(eng.ID); o.Archived() {
		t.Fatalf("descendant status must be untouched")
	}

	// reparenting out of the archived subtree lifts the restriction
	other := mustCreate(t, h, "Other", "")
	if _, err := h.MoveOrganization(context.Background(), eng.ID, other.ID); err != nil {
		t.Fatalf("MoveOrganization: %v", err)
	}
	if _, archived, _ := h.ArchivedScope(eng.ID); archived {
		t.Fatalf("moved org should leave the archived scope")
	}

	if _, err := h.UnarchiveOrganization(context.Background(), acme.ID); err != nil {
		t.Fatalf("UnarchiveOrganization: %v", err)
	}
	counts := map[EventType]int{}
	for _, typ := range sink.types() {
		counts[typ]++
	}
	if counts[EventOrganizationArchived] != 1 || counts[EventOrganizationUnarchived] != 1 {
		t.Fatalf("unexpected event counts: %v", counts)
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) SaveMembership(ctx context.Context, m Membership) error {
	if f.fail {
		return errors.New("db down")
	}
	return f.MemoryStore.SaveMembership(ctx, m)
}

func TestStoreFailureLeavesStateUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	h := newHierarchy(t, WithStore(store))
	acme := mustCreate(t, h, "Acme", "")
	store.fail = true
	if _, err := h.AddMember(context.Background(), "u1", acme.ID, RoleOwner); err == nil {
		t.Fatalf("expected store error")
	}
	if role, _ := h.EffectiveRole("u1", acme.ID); role != RoleNone {
		t.Fatalf("membership applied despite store failure")
	}
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	sink := SinkFunc(func(context.Context, Event) error { return errors.New("sink down") })
	h := newHierarchy(t, WithEventSink(sink))
	acme := mustCreate(t, h, "Acme", "")
	mustAdd(t, h, "u1", acme.ID, RoleViewer)
	if role, _ := h.EffectiveRole("u1", acme.ID); role != RoleViewer {
		t.Fatalf("change lost after sink failure")
	}
}

type snapshotStore struct {
	MemoryStore
	snap Snapshot
}

func (s *snapshotStore) Load(context.Context) (Snapshot, error) { return s.snap, nil }

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
	}{
		{name: "cycle", snap: Snapshot{Organizations: []Organization{
			{ID: "a", Name: "a", ParentID: "b"},
			{ID: "b", Name: "b", ParentID: "a"},
		}}},
		{name: "dangling parent", snap: Snapshot{Organizations: []Organization{
			{ID: "a", Name: "a", ParentID: "ghost"},
		}}},
		{name: "bad role", snap: Snapshot{
			Organizations: []Organization{{ID: "a", Name: "a"}},
			Memberships:   []Membership{{UserID: "u", OrganizationID: "a", Role: RoleNone}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHierarchy(t, WithStore(&snapshotStore{snap: tc.snap}))
			if err := h.Load(context.Background()); err == nil {
				t.Fatalf("expected load error")
			}
			if len(h.Roots()) != 0 {
				t.Fatalf("state must be empty after failed load")
			}
		})
	}
}

func TestFanOutJoinsErrors(t *testing.T) {
	rec := &recordingSink{}
	boom := SinkFunc(func(context.Context, Event) error { return errors.New("boom") })
	err := FanOut{rec, nil, boom}.Publish(context.Background(), Event{Type: EventMemberAdded})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(rec.types()) != 1 {
		t.Fatalf("healthy sink should still receive the event")
	}
}
