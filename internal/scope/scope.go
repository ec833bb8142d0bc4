// Package scope implements the Scope Resolver (§4.8): mapping a tool call's
// declared scope plus an optional person reference into the set of
// principal ids a store query should run against.
package scope

import (
	"strings"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/household"
)

// Kind is one of the three scopes a tool call may declare.
type Kind string

const (
	Family   Kind = "family"
	Thread   Kind = "thread"
	Personal Kind = "personal"
)

// Resolution is the result of resolving a scope: the principal id set a
// store query should run against, plus any extra predicate the scope
// implies (e.g. thread_id).
type Resolution struct {
	UserIDs      []string
	ExtraFilters map[string]interface{}
	Resolved     bool
}

// selfReferences are the tokens the Analysis Engine emits for "myself".
var selfReferences = map[string]bool{"我": true, "我的": true, "me": true, "my": true, "i": true}

// Resolve implements resolve(scope, person_or_key, current_principal,
// household_view) from §4.8.
func Resolve(k Kind, personOrKey, currentPrincipal, threadID string, householdCfg config.HouseholdConfig, view household.View) Resolution {
	switch k {
	case Family:
		userIDs := append([]string{householdCfg.FamilyDefaultPrincipal}, householdCfg.FamilySharedUserIDs...)
		for _, m := range view.MembersIndex {
			userIDs = append(userIDs, m.UserIDs...)
		}
		return Resolution{UserIDs: dedupe(userIDs), Resolved: true}

	case Thread:
		return Resolution{
			UserIDs:      []string{currentPrincipal},
			ExtraFilters: map[string]interface{}{"thread_id": threadID},
			Resolved:     true,
		}

	case Personal:
		if selfReferences[strings.ToLower(personOrKey)] {
			return Resolution{UserIDs: []string{currentPrincipal}, Resolved: true}
		}
		if key, ok := view.ResolveMemberKey(personOrKey); ok {
			entry := view.MembersIndex[key]
			if len(entry.UserIDs) > 0 {
				return Resolution{UserIDs: entry.UserIDs, Resolved: true}
			}
		}
		return Resolution{Resolved: false}

	default:
		return Resolution{Resolved: false}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
