package org

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/defiant4/organization-management-service/internal/clock"
	"github.com/defiant4/organization-management-service/internal/ids"
	"github.com/defiant4/organization-management-service/internal/reqctx"
)

const (
	maxNameLength = 128
	systemActor   = "system"
)

// Hierarchy is the in-memory arena of organizations and memberships, kept in
// step with a Store. Reads take the read lock; every mutation validates,
// persists and applies under the write lock, so two concurrent moves can
// never both pass the cycle check against stale ancestry.
type Hierarchy struct {
	mu       sync.RWMutex
	orgs     map[string]*Organization
	children map[string]map[string]struct{} // parent id ("" for roots) -> child ids
	members  map[string]map[string]Membership
	byUser   map[string]map[string]struct{}

	store  Store
	sink   EventSink
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string
}

// Option customises a Hierarchy.
type Option func(*Hierarchy)

// WithStore sets the persistence port. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(h *Hierarchy) {
		if s != nil {
			h.store = s
		}
	}
}

// WithEventSink sets where change events are published.
func WithEventSink(s EventSink) Option {
	return func(h *Hierarchy) {
		if s != nil {
			h.sink = s
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(h *Hierarchy) {
		if c != nil {
			h.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hierarchy) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithIDGenerator overrides organization and event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(h *Hierarchy) {
		if fn != nil {
			h.newID = fn
		}
	}
}

// NewHierarchy returns an empty hierarchy. Call Load to populate it from the
// store.
func NewHierarchy(opts ...Option) *Hierarchy {
	h := &Hierarchy{
		store:  NewMemoryStore(),
		sink:   nopSink{},
		clock:  clock.Real(),
		logger: slog.Default(),
		newID:  ids.New,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.reset()
	return h
}

func (h *Hierarchy) reset() {
	h.orgs = make(map[string]*Organization)
	h.children = make(map[string]map[string]struct{})
	h.members = make(map[string]map[string]Membership)
	h.byUser = make(map[string]map[string]struct{})
}

// Load replaces the in-memory state with the store's snapshot. The snapshot
// is rejected if it references unknown parents, contains a cycle or carries
// an invalid role.
func (h *Hierarchy) Load(ctx context.Context) error {
	snap, err := h.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("org: load: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reset()
	for i := range snap.Organizations {
		o := snap.Organizations[i]
		h.orgs[o.ID] = &o
	}
	for _, o := range h.orgs {
		if o.ParentID != "" {
			if _, ok := h.orgs[o.ParentID]; !ok {
				h.reset()
				return fmt.Errorf("org: load: %w: parent %s of %s", ErrOrganizationNotFound, o.ParentID, o.ID)
			}
		}
		h.link(o.ParentID, o.ID)
	}
	for id := range h.orgs {
		if _, err := h.chainLocked(id); err != nil {
			h.reset()
			return fmt.Errorf("org: load: %w", err)
		}
	}
	for _, m := range snap.Memberships {
		if _, ok := h.orgs[m.OrganizationID]; !ok || !m.Role.Valid() {
			h.reset()
			return fmt.Errorf("org: load: %w: membership %s@%s", ErrInvalidInput, m.UserID, m.OrganizationID)
		}
		h.putMember(m)
	}
	h.logger.Info("hierarchy loaded", "organizations", len(h.orgs), "memberships", len(snap.Memberships))
	return nil
}

func (h *Hierarchy) link(parentID, childID string) {
	set, ok := h.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		h.children[parentID] = set
	}
	set[childID] = struct{}{}
}

func (h *Hierarchy) unlink(parentID, childID string) {
	if set, ok := h.children[parentID]; ok {
		delete(set, childID)
		if len(set) == 0 {
			delete(h.children, parentID)
		}
	}
}

func (h *Hierarchy) putMember(m Membership) {
	set, ok := h.members[m.OrganizationID]
	if !ok {
		set = make(map[string]Membership)
		h.members[m.OrganizationID] = set
	}
	set[m.UserID] = m
	orgs, ok := h.byUser[m.UserID]
	if !ok {
		orgs = make(map[string]struct{})
		h.byUser[m.UserID] = orgs
	}
	orgs[m.OrganizationID] = struct{}{}
}

func (h *Hierarchy) dropMember(userID, orgID string) {
	if set, ok := h.members[orgID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.members, orgID)
		}
	}
	if orgs, ok := h.byUser[userID]; ok {
		delete(orgs, orgID)
		if len(orgs) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// chainLocked returns the ids from orgID up to its root. The walk is bounded
// by the arena size so a corrupted parent link cannot loop forever.
func (h *Hierarchy) chainLocked(orgID string) ([]string, error) {
	if _, ok := h.orgs[orgID]; !ok {
		return nil, ErrOrganizationNotFound
	}
	chain := make([]string, 0, 4)
	for cur := orgID; cur != ""; {
		if len(chain) > len(h.orgs) {
			return nil, fmt.Errorf("%w: at %s", ErrCycleDetected, orgID)
		}
		o, ok := h.orgs[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, cur)
		}
		chain = append(chain, cur)
		cur = o.ParentID
	}
	return chain, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

// nameTakenLocked reports whether a sibling under parentID other than
// exceptID already uses name. Roots share the "" parent.
func (h *Hierarchy) nameTakenLocked(parentID, name, exceptID string) bool {
	for id := range h.children[parentID] {
		if id == exceptID {
			continue
		}
		if strings.EqualFold(h.orgs[id].Name, name) {
			return true
		}
	}
	return false
}

func (h *Hierarchy) event(ctx context.Context, typ EventType, orgID string) Event {
	return Event{
		ID:             h.newID(),
		Type:           typ,
		OrganizationID: orgID,
		Actor:          reqctx.ActorOr(ctx, systemActor),
		OccurredAt:     h.clock.Now(),
	}
}

// publish hands events to the sink after the lock is released. A failing
// sink never undoes the change.
func (h *Hierarchy) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if err := h.sink.Publish(ctx, ev); err != nil {
			h.logger.Warn("publish event failed", "event", string(ev.Type), "organization_id", ev.OrganizationID, "error", err)
		}
	}
}

// CreateOrganization adds a root (parentID empty) or a child of parentID.
func (h *Hierarchy) CreateOrganization(ctx context.Context, name, parentID string) (Organization, error) {
	o, _, err := h.create(ctx, name, parentID, "")
	return o, err
}

// CreateOrganizationWithOwner creates the organization and grants ownerID
// Owner on it in one store write, so a failed grant leaves nothing behind.
func (h *Hierarchy) CreateOrganizationWithOwner(ctx context.Context, name, parentID, ownerID string) (Organization, Membership, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Organization{}, Membership{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	return h.create(ctx, name, parentID, strings.TrimSpace(ownerID))
}

func (h *Hierarchy) create(ctx context.Context, name, parentID, ownerID string) (Organization, Membership, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Organization{}, Membership{}, err
	}
	parentID = strings.TrimSpace(parentID)
	actor := reqctx.ActorOr(ctx, systemActor)

	h.mu.Lock()
	if parentID != "" {
		if _, ok := h.orgs[parentID]; !ok {
			h.mu.Unlock()
			return Organization{}, Membership{}, fmt.Errorf("%w: parent %s", ErrOrganizationNotFound, parentID)
		}
	}
	if h.nameTakenLocked(parentID, name, "") {
		h.mu.Unlock()
		return Organization{}, Membership{}, fmt.Errorf("%w: organization %q already exists", ErrConflict, name)
	}
	now := h.clock.Now()
	o := Organization{
		ID:        h.newID(),
		Name:      name,
		ParentID:  parentID,
		Status:    StatusActive,
		CreatedAt: now,
		CreatedBy: actor,
		UpdatedAt: now,
		UpdatedBy: actor,
	}
	var owner *Membership
	if ownerID != "" {
		owner = &Membership{UserID: ownerID, OrganizationID: o.ID, Role: RoleOwner, CreatedAt: now, UpdatedAt: now}
	}
	if err := h.store.CreateOrganization(ctx, o, owner); err != nil {
		h.mu.Unlock()
		return Organization{}, Membership{}, fmt.Errorf("org: create organization: %w", err)
	}
	stored := o
	h.orgs[o.ID] = &stored
	h.link(parentID, o.ID)
	if owner != nil {
		h.putMember(*owner)
	}
	h.mu.Unlock()

	ev := h.event(ctx, EventOrganizationCreated, o.ID)
	ev.ParentID = parentID
	if owner == nil {
		h.publish(ctx, ev)
		return o, Membership{}, nil
	}
	added := h.event(ctx, EventMemberAdded, o.ID)
	added.UserID = ownerID
	added.Role = RoleOwner
	h.publish(ctx, ev, added)
	return o, *owner, nil
}

// Organization returns a copy of the organization.
func (h *Hierarchy) Organization(orgID string) (Organization, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.orgs[orgID]
	if !ok {
		return Organization{}, ErrOrganizationNotFound
	}
	return *o, nil
}

// RootByName finds a root organization by name, ignoring case.
func (h *Hierarchy) RootByName(name string) (Organization, error) {
	name = strings.TrimSpace(name)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.children[""] {
		if strings.EqualFold(h.orgs[id].Name, name) {
			return *h.orgs[id], nil
		}
	}
	return Organization{}, ErrOrganizationNotFound
}

// Roots lists root organizations sorted by name.
func (h *Hierarchy) Roots() []Organization {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collectLocked(h.children[""])
}

// Children lists the direct children of orgID sorted by name.
func (h *Hierarchy) Children(orgID string) ([]Organization, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.orgs[orgID]; !ok {
		return nil, ErrOrganizationNotFound
	}
	return h.collectLocked(h.children[orgID]), nil
}

func (h *Hierarchy) collectLocked(set map[string]struct{}) []Organization {
	out := make([]Organization, 0, len(set))
	for id := range set {
		out = append(out, *h.orgs[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Ancestors returns orgID followed by its ancestors, root last.
func (h *Hierarchy) Ancestors(orgID string) ([]Organization, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain, err := h.chainLocked(orgID)
	if err != nil {
		return nil, err
	}
	out := make([]Organization, len(chain))
	for i, id := range chain {
		out[i] = *h.orgs[id]
	}
	return out, nil
}

// IsDescendant reports whether orgID equals ancestorID or lies below it.
func (h *Hierarchy) IsDescendant(orgID, ancestorID string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain, err := h.chainLocked(orgID)
	if err != nil {
		return false, err
	}
	for _, id := range chain {
		if id == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// MoveOrganization reparents orgID under newParentID, or makes it a root when
// newParentID is empty. It fails with ErrCycleDetected iff newParentID is
// orgID itself or one of its descendants.
func (h *Hierarchy) MoveOrganization(ctx context.Context, orgID, newParentID string) (Organization, error) {
	newParentID = strings.TrimSpace(newParentID)
	actor := reqctx.ActorOr(ctx, systemActor)

	h.mu.Lock()
	o, ok := h.orgs[orgID]
	if !ok {
		h.mu.Unlock()
		return Organization{}, ErrOrganizationNotFound
	}
	if newParentID != "" {
		chain, err := h.chainLocked(newParentID)
		if err != nil {
			h.mu.Unlock()
			return Organization{}, fmt.Errorf("%w: new parent %s", err, newParentID)
		}
		for _, id := range chain {
			if id == orgID {
				h.mu.Unlock()
				return Organization{}, fmt.Errorf("%w: %s is %s or one of its descendants", ErrCycleDetected, newParentID, orgID)
			}
		}
	}
	prevParent := o.ParentID
	if prevParent == newParentID {
		out := *o
		h.mu.Unlock()
		return out, nil
	}
	if h.nameTakenLocked(newParentID, o.Name, orgID) {
		h.mu.Unlock()
		return Organization{}, fmt.Errorf("%w: organization %q already exists in target scope", ErrConflict, o.Name)
	}
	now := h.clock.Now()
	if err := h.store.MoveOrganization(ctx, orgID, newParentID, now, actor); err != nil {
		h.mu.Unlock()
		return Organization{}, fmt.Errorf("org: move organization: %w", err)
	}
	h.unlink(prevParent, orgID)
	h.link(newParentID, orgID)
	o.ParentID = newParentID
	o.UpdatedAt = now
	o.UpdatedBy = actor
	out := *o
	h.mu.Unlock()

	ev := h.event(ctx, EventOrganizationMoved, orgID)
	ev.ParentID = newParentID
	ev.PreviousParentID = prevParent
	h.publish(ctx, ev)
	return out, nil
}

// ArchiveOrganization marks orgID archived. Its descendants keep their own
// status but fall inside an archived scope. Archiving twice is a no-op.
func (h *Hierarchy) ArchiveOrganization(ctx context.Context, orgID string) (Organization, error) {
	return h.setStatus(ctx, orgID, StatusArchived, EventOrganizationArchived)
}

// UnarchiveOrganization reverses ArchiveOrganization.
func (h *Hierarchy) UnarchiveOrganization(ctx context.Context, orgID string) (Organization, error) {
	return h.setStatus(ctx, orgID, StatusActive, EventOrganizationUnarchived)
}

func (h *Hierarchy) setStatus(ctx context.Context, orgID string, status Status, typ EventType) (Organization, error) {
	actor := reqctx.ActorOr(ctx, systemActor)
	h.mu.Lock()
	o, ok := h.orgs[orgID]
	if !ok {
		h.mu.Unlock()
		return Organization{}, ErrOrganizationNotFound
	}
	if o.Status == status {
		out := *o
		h.mu.Unlock()
		return out, nil
	}
	next := *o
	next.Status = status
	next.UpdatedAt = h.clock.Now()
	next.UpdatedBy = actor
	if err := h.store.SaveOrganization(ctx, next); err != nil {
		h.mu.Unlock()
		return Organization{}, fmt.Errorf("org: update status: %w", err)
	}
	*o = next
	h.mu.Unlock()

	h.publish(ctx, h.event(ctx, typ, orgID))
	return next, nil
}

// ArchivedScope returns the nearest archived organization among orgID and
// its ancestors.
func (h *Hierarchy) ArchivedScope(orgID string) (Organization, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain, err := h.chainLocked(orgID)
	if err != nil {
		return Organization{}, false, err
	}
	for _, id := range chain {
		if o := h.orgs[id]; o.Archived() {
			return *o, true, nil
		}
	}
	return Organization{}, false, nil
}

// AddMember grants role to userID at orgID, replacing any existing role.
// Demoting the last owner of a scope fails with ErrLastOwner.
func (h *Hierarchy) AddMember(ctx context.Context, userID, orgID string, role Role) (Membership, error) {
	return h.setMember(ctx, userID, orgID, role, nil)
}

// SetMember is AddMember guarded by the direct role the caller authorized
// against: expected is RoleNone for an invite. A membership that changed in
// the meantime fails with ErrConflict and is left untouched.
func (h *Hierarchy) SetMember(ctx context.Context, userID, orgID string, role, expected Role) (Membership, error) {
	return h.setMember(ctx, userID, orgID, role, &expected)
}

func (h *Hierarchy) setMember(ctx context.Context, userID, orgID string, role Role, expected *Role) (Membership, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Membership{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return Membership{}, fmt.Errorf("%w: role %s cannot be granted", ErrInvalidInput, role)
	}

	h.mu.Lock()
	if _, ok := h.orgs[orgID]; !ok {
		h.mu.Unlock()
		return Membership{}, ErrOrganizationNotFound
	}
	now := h.clock.Now()
	prev, existed := h.members[orgID][userID]
	if expected != nil {
		current := RoleNone
		if existed {
			current = prev.Role
		}
		if current != *expected {
			h.mu.Unlock()
			return Membership{}, fmt.Errorf("%w: membership of %s at %s changed from %s to %s", ErrConflict, userID, orgID, *expected, current)
		}
	}
	if existed && prev.Role == role {
		h.mu.Unlock()
		return prev, nil
	}
	if existed && prev.Role == RoleOwner {
		if err := h.checkOtherOwnerLocked(userID, orgID); err != nil {
			h.mu.Unlock()
			return Membership{}, err
		}
	}
	m := Membership{UserID: userID, OrganizationID: orgID, Role: role, CreatedAt: now, UpdatedAt: now}
	if existed {
		m.CreatedAt = prev.CreatedAt
	}
	if err := h.store.SaveMembership(ctx, m); err != nil {
		h.mu.Unlock()
		return Membership{}, fmt.Errorf("org: save membership: %w", err)
	}
	h.putMember(m)
	h.mu.Unlock()

	typ := EventMemberAdded
	if existed {
		typ = EventMemberRoleChanged
	}
	ev := h.event(ctx, typ, orgID)
	ev.UserID = userID
	ev.Role = role
	if existed {
		ev.PreviousRole = prev.Role
	}
	h.publish(ctx, ev)
	return m, nil
}

// RemoveMember deletes the direct membership of userID at orgID.
func (h *Hierarchy) RemoveMember(ctx context.Context, userID, orgID string) error {
	h.mu.Lock()
	if _, ok := h.orgs[orgID]; !ok {
		h.mu.Unlock()
		return ErrOrganizationNotFound
	}
	prev, ok := h.members[orgID][userID]
	if !ok {
		h.mu.Unlock()
		return ErrMembershipNotFound
	}
	if prev.Role == RoleOwner {
		if err := h.checkOtherOwnerLocked(userID, orgID); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	if err := h.store.DeleteMembership(ctx, userID, orgID); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("org: delete membership: %w", err)
	}
	h.dropMember(userID, orgID)
	h.mu.Unlock()

	ev := h.event(ctx, EventMemberRemoved, orgID)
	ev.UserID = userID
	ev.PreviousRole = prev.Role
	h.publish(ctx, ev)
	return nil
}

// checkOtherOwnerLocked succeeds when someone other than (userID, orgID)
// holds Owner at orgID or any ancestor.
func (h *Hierarchy) checkOtherOwnerLocked(userID, orgID string) error {
	chain, err := h.chainLocked(orgID)
	if err != nil {
		return err
	}
	for _, id := range chain {
		for uid, m := range h.members[id] {
			if m.Role != RoleOwner {
				continue
			}
			if id == orgID && uid == userID {
				continue
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s is the only owner of %s", ErrLastOwner, userID, orgID)
}

// Membership returns the direct membership of userID at orgID.
func (h *Hierarchy) Membership(userID, orgID string) (Membership, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.orgs[orgID]; !ok {
		return Membership{}, ErrOrganizationNotFound
	}
	m, ok := h.members[orgID][userID]
	if !ok {
		return Membership{}, ErrMembershipNotFound
	}
	return m, nil
}

// Members lists the direct members of orgID ordered by user id.
func (h *Hierarchy) Members(orgID string) ([]Membership, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.orgs[orgID]; !ok {
		return nil, ErrOrganizationNotFound
	}
	out := make([]Membership, 0, len(h.members[orgID]))
	for _, m := range h.members[orgID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// MembershipsForUser lists every direct membership of userID ordered by
// organization id.
func (h *Hierarchy) MembershipsForUser(userID string) []Membership {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Membership, 0, len(h.byUser[userID]))
	for orgID := range h.byUser[userID] {
		out = append(out, h.members[orgID][userID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out
}

// EffectiveRole walks from orgID to its root and returns the highest role
// userID holds along the way. No membership anywhere yields RoleNone.
func (h *Hierarchy) EffectiveRole(userID, orgID string) (Role, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chain, err := h.chainLocked(orgID)
	if err != nil {
		return RoleNone, err
	}
	role := RoleNone
	for _, id := range chain {
		if m, ok := h.members[id][userID]; ok {
			role = MaxRole(role, m.Role)
		}
	}
	return role, nil
}
