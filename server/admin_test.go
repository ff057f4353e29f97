package server

import (
	"context"
	"encoding/json"
	"net/url"
	"reflect"
	"testing"
)

func newTestAdminAPI(t *testing.T, fk *fakeKeycloak) *AdminAPI {
	t.Helper()
	cfg := fk.config()
	kc := fk.keycloak(cfg.Keycloak, nil)
	tokens := NewAdminTokenCache(kc, testAdminUser, testAdminPassword, discardLogger())
	return NewAdminAPI(kc, tokens, discardLogger())
}

func TestAdminListUsersProjection(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	users, err := api.ListUsers(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}

	alice := users[0]
	if alice.ID != "u1" || alice.Username != "alice" || !alice.Enabled || !alice.EmailVerified || alice.CreatedTimestamp != 1700000000000 {
		t.Fatalf("unexpected projection: %+v", alice)
	}
	if !reflect.DeepEqual(alice.Attributes, map[string][]string{"dept": {"eng"}}) {
		t.Fatalf("attributes = %v", alice.Attributes)
	}

	bob := users[1]
	if bob.Attributes == nil || len(bob.Attributes) != 0 {
		t.Fatalf("missing attributes should default to empty map, got %#v", bob.Attributes)
	}

	raw, err := json.Marshal(alice)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, leaked := range []string{"totp", "access", "notBefore"} {
		if _, ok := fields[leaked]; ok {
			t.Fatalf("projection leaked %q: %s", leaked, raw)
		}
	}
	raw, _ = json.Marshal(bob)
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if attrs, ok := fields["attributes"].(map[string]any); !ok || len(attrs) != 0 {
		t.Fatalf("attributes should serialise as {}, got %s", raw)
	}
}

func TestAdminListUsersFilter(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	filter := MergeUserFilter(url.Values{"email": {"@example.com"}}, url.Values{"max": {"10"}, "password": {"x"}})
	if filter.Get("email") != "@example.com" || filter.Get("max") != "10" || filter.Has("password") {
		t.Fatalf("unexpected merged filter: %v", filter)
	}

	users, err := api.ListUsers(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("filter not applied: %+v", users)
	}
}

func TestAdminGetUserByID(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	user, err := api.GetUserByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := api.GetUserByID(context.Background(), "missing"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdminSearchEmptyTermMakesNoCalls(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	for _, term := range []string{"", "   "} {
		if _, err := api.SearchUsers(context.Background(), term); !IsKind(err, KindValidation) {
			t.Fatalf("SearchUsers(%q) = %v, want validation error", term, err)
		}
	}
	if got := fk.passwordGrants.Load() + fk.adminCalls.Load(); got != 0 {
		t.Fatalf("empty search made %d IdP calls", got)
	}
}

func TestAdminSearchUsers(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	users, err := api.SearchUsers(context.Background(), "liddell")
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u1" {
		t.Fatalf("unexpected search result: %+v", users)
	}
}

func TestAdminGroupsAndRolesPassThrough(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	groups, err := api.GetUserGroups(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUserGroups: %v", err)
	}
	if len(groups) != 1 || string(groups[0]) != `{"id":"g1","name":"engineering","path":"/engineering"}` {
		t.Fatalf("groups not passed through: %s", groups)
	}

	roles, err := api.GetUserRoles(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUserRoles: %v", err)
	}
	if len(roles) != 1 || string(roles[0]) != `{"id":"r1","name":"offline_access","composite":false,"clientRole":false}` {
		t.Fatalf("roles not passed through: %s", roles)
	}

	if _, err := api.GetUserRoles(context.Background(), "missing"); !IsKind(err, KindUpstream) {
		t.Fatalf("expected upstream error for unknown user's roles, got %v", err)
	}
	if _, err := api.GetUserGroups(context.Background(), "missing"); !IsKind(err, KindUpstream) {
		t.Fatalf("expected upstream error for unknown user's groups, got %v", err)
	}
}

func TestAdminRejectsNonSegmentIDs(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)
	ctx := context.Background()

	for _, id := range []string{".", "..", "u1/../..", "a\\b", "u1?x=1", "u1#frag", "%2E%2E", "u1\x00", " "} {
		if _, err := api.GetUserByID(ctx, id); !IsKind(err, KindValidation) {
			t.Fatalf("GetUserByID(%q) = %v, want validation error", id, err)
		}
		if _, err := api.GetUserGroups(ctx, id); !IsKind(err, KindValidation) {
			t.Fatalf("GetUserGroups(%q) = %v, want validation error", id, err)
		}
		if _, err := api.GetUserRoles(ctx, id); !IsKind(err, KindValidation) {
			t.Fatalf("GetUserRoles(%q) = %v, want validation error", id, err)
		}
	}
	if got := fk.passwordGrants.Load() + fk.adminCalls.Load(); got != 0 {
		t.Fatalf("rejected ids made %d IdP calls", got)
	}
}

func TestAdminUnauthorizedInvalidatesToken(t *testing.T) {
	fk := newFakeKeycloak(t)
	api := newTestAdminAPI(t, fk)

	if _, err := api.GetUserByID(context.Background(), "u1"); err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	fk.revokeAdminToken()

	if _, err := api.GetUserByID(context.Background(), "u1"); !IsKind(err, KindUpstream) {
		t.Fatalf("expected upstream error on 401, got %v", err)
	}
	if _, err := api.GetUserByID(context.Background(), "u1"); err != nil {
		t.Fatalf("expected fresh token after invalidation: %v", err)
	}
	if got := fk.adminGrants.Load(); got != 2 {
		t.Fatalf("expected two admin grants, got %d", got)
	}
}
