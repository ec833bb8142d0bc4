package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Household groups members that share a view over each other's memories
// (§3 "Household", §4.2, §4.8).
type Household struct {
	ID   string
	Name string
}

// FamilyMember is a person known to a household (§3 "Household & Member").
// MemberKey is the stable identifier the Scope Resolver matches against;
// DisplayName is matched case-insensitively as a fallback.
type FamilyMember struct {
	ID          string
	HouseholdID string
	MemberKey   string
	DisplayName string
	Role        string
	LifeStatus  string
	Profile     map[string]interface{}
}

// FamilyMemberAccount links a FamilyMember to a principal id, when that
// member also has their own channel identity (§4.8).
type FamilyMemberAccount struct {
	FamilyMemberID string
	UserID         string
}

// GetHouseholdForUser returns the household a principal belongs to, if any.
func (s *Store) GetHouseholdForUser(ctx context.Context, userID string) (Household, bool, error) {
	var h Household
	err := s.DB.QueryRowContext(ctx, `
SELECT h.id, h.name
FROM households h
JOIN household_members hm ON hm.household_id = h.id
WHERE hm.user_id = $1
`, userID).Scan(&h.ID, &h.Name)
	if err == sql.ErrNoRows {
		return Household{}, false, nil
	}
	if err != nil {
		return Household{}, false, err
	}
	return h, true, nil
}

// ListHouseholdMemberUserIDs returns every principal id that is a member of
// householdID. Used to build the scope for
// household-shared reads (§4.8).
func (s *Store) ListHouseholdMemberUserIDs(ctx context.Context, householdID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM household_members WHERE household_id = $1`, householdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListFamilyMembers returns the named family members of a household,
// including those with no principal account of their own (§4.8 "person"
// resolution against named-but-account-less members).
func (s *Store) ListFamilyMembers(ctx context.Context, householdID string) ([]FamilyMember, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, household_id, member_key, display_name, role, life_status, profile
FROM family_members
WHERE household_id = $1
`, householdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FamilyMember
	for rows.Next() {
		var fm FamilyMember
		var role, lifeStatus sql.NullString
		var profileBytes []byte
		if err := rows.Scan(&fm.ID, &fm.HouseholdID, &fm.MemberKey, &fm.DisplayName, &role, &lifeStatus, &profileBytes); err != nil {
			return nil, err
		}
		fm.Role = role.String
		fm.LifeStatus = lifeStatus.String
		if len(profileBytes) > 0 {
			_ = json.Unmarshal(profileBytes, &fm.Profile)
		}
		out = append(out, fm)
	}
	return out, rows.Err()
}

// ResolveFamilyMemberAccount returns the principal id bound to a family
// member, if that member has claimed an account.
func (s *Store) ResolveFamilyMemberAccount(ctx context.Context, familyMemberID string) (string, bool, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx, `SELECT user_id FROM family_member_accounts WHERE family_member_id = $1`, familyMemberID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// ListFamilyMemberAccounts returns every account binding for a household's
// members in one query, used to build members_index without N+1 lookups.
func (s *Store) ListFamilyMemberAccounts(ctx context.Context, householdID string) ([]FamilyMemberAccount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT fma.family_member_id, fma.user_id
FROM family_member_accounts fma
JOIN family_members fm ON fm.id = fma.family_member_id
WHERE fm.household_id = $1
`, householdID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FamilyMemberAccount
	for rows.Next() {
		var a FamilyMemberAccount
		if err := rows.Scan(&a.FamilyMemberID, &a.UserID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
