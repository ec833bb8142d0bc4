// Package household builds the household view consumed by the Context
// Manager and Scope Resolver (§4.2, §4.8), and caches it per household with
// a short TTL and explicit invalidation (§12 "Supplemented: household
// service member-lookup caching").
package household

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/store"
)

// MemberEntry is one entry of a household's members_index (§3 "Household &
// Member").
type MemberEntry struct {
	UserIDs     []string
	DisplayName string
	Role        string
	LifeStatus  string
	Profile     map[string]interface{}
}

// View is the household view handed to the Context Manager and Scope
// Resolver: a members_index keyed by member_key, plus display-name lookup.
type View struct {
	HouseholdID   string
	MembersIndex  map[string]MemberEntry
	byDisplayName map[string]string // lower(display_name) -> member_key
}

// ResolveMemberKey implements the §4.8 fallback: exact member_key match,
// then case-insensitive display_name match.
func (v View) ResolveMemberKey(personOrKey string) (string, bool) {
	if e, ok := v.MembersIndex[personOrKey]; ok {
		_ = e
		return personOrKey, true
	}
	key, ok := v.byDisplayName[strings.ToLower(personOrKey)]
	return key, ok
}

// Store is the subset of *store.Store the household view is built from.
type Store interface {
	GetHouseholdForUser(ctx context.Context, userID string) (store.Household, bool, error)
	ListFamilyMembers(ctx context.Context, householdID string) ([]store.FamilyMember, error)
	ListFamilyMemberAccounts(ctx context.Context, householdID string) ([]store.FamilyMemberAccount, error)
}

// Service builds and caches household views.
type Service struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	view      View
	expiresAt time.Time
}

// New constructs a household Service from the engine configuration.
func New(st Store, cfg config.HouseholdConfig) *Service {
	return &Service{store: st, ttl: cfg.ViewCacheTTL, cache: make(map[string]cacheEntry)}
}

// ViewForUser returns the household view for the household userID belongs
// to, using the cache when fresh (§4.2 "cached per household with a short
// TTL (~60 s)").
func (s *Service) ViewForUser(ctx context.Context, userID string) (View, bool, error) {
	h, ok, err := s.store.GetHouseholdForUser(ctx, userID)
	if err != nil || !ok {
		return View{}, ok, err
	}
	return s.View(ctx, h.ID)
}

// View returns the household view for a household id, using the cache when
// fresh.
func (s *Service) View(ctx context.Context, householdID string) (View, bool, error) {
	if v, ok := s.lookupCache(householdID); ok {
		return v, true, nil
	}

	members, err := s.store.ListFamilyMembers(ctx, householdID)
	if err != nil {
		return View{}, false, err
	}
	accounts, err := s.store.ListFamilyMemberAccounts(ctx, householdID)
	if err != nil {
		return View{}, false, err
	}
	accountsByMember := make(map[string][]string)
	for _, a := range accounts {
		accountsByMember[a.FamilyMemberID] = append(accountsByMember[a.FamilyMemberID], a.UserID)
	}

	v := View{
		HouseholdID:   householdID,
		MembersIndex:  make(map[string]MemberEntry, len(members)),
		byDisplayName: make(map[string]string, len(members)),
	}
	for _, m := range members {
		v.MembersIndex[m.MemberKey] = MemberEntry{
			UserIDs:     accountsByMember[m.ID],
			DisplayName: m.DisplayName,
			Role:        m.Role,
			LifeStatus:  m.LifeStatus,
			Profile:     m.Profile,
		}
		v.byDisplayName[strings.ToLower(m.DisplayName)] = m.MemberKey
	}

	s.storeCache(householdID, v)
	return v, true, nil
}

// Invalidate drops the cached view for a household, forcing the next
// View/ViewForUser call to rebuild it. Named for a future household-edit
// path (membership add/remove) that does not yet exist in this engine.
func (s *Service) Invalidate(householdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, householdID)
}

func (s *Service) lookupCache(householdID string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[householdID]
	if !ok || time.Now().After(e.expiresAt) {
		return View{}, false
	}
	return e.view, true
}

func (s *Service) storeCache(householdID string, v View) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[householdID] = cacheEntry{view: v, expiresAt: time.Now().Add(s.ttl)}
}
