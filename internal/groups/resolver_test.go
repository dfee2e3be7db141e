package groups

import (
	"reflect"
	"testing"
)

func membershipSet(snapshot Snapshot) map[Membership]bool {
	set := make(map[Membership]bool, len(snapshot.Memberships))
	for _, membership := range snapshot.Memberships {
		set[membership] = true
	}
	return set
}

func TestResolveDoubleCountScenario(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1"}},
		{Name: "B", Users: []string{"u2"}},
		{Name: "C", Users: []string{"u1", "u2"}},
	}

	snapshot := Resolve(records, nil, Policy{DoubleCount: true, DefaultGroupLabel: "multiple"})

	want := map[Membership]bool{
		{Group: "A", User: "u1"}:        true,
		{Group: "C", User: "u1"}:        true,
		{Group: "multiple", User: "u1"}: true,
		{Group: "B", User: "u2"}:        true,
		{Group: "C", User: "u2"}:        true,
		{Group: "multiple", User: "u2"}: true,
	}
	if got := membershipSet(snapshot); !reflect.DeepEqual(got, want) {
		t.Fatalf("memberships = %v, want %v", got, want)
	}
	if !snapshot.MultiMembershipUsers["u1"] || !snapshot.MultiMembershipUsers["u2"] {
		t.Fatalf("MultiMembershipUsers = %v, want u1 and u2", snapshot.MultiMembershipUsers)
	}
}

func TestResolveSingleCountScenario(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1"}},
		{Name: "B", Users: []string{"u2"}},
		{Name: "C", Users: []string{"u1", "u2"}},
	}

	snapshot := Resolve(records, nil, Policy{DoubleCount: false, DefaultGroupLabel: "multiple"})

	want := map[Membership]bool{
		{Group: "multiple", User: "u1"}: true,
		{Group: "multiple", User: "u2"}: true,
	}
	if got := membershipSet(snapshot); !reflect.DeepEqual(got, want) {
		t.Fatalf("memberships = %v, want %v", got, want)
	}
	// The user index still carries the real groups for the usage join.
	if got := snapshot.UserGroups["u1"]; !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("UserGroups[u1] = %v, want [A C]", got)
	}
}

func TestResolveDisjointGroupsPolicyIndependent(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "research", Users: []string{"u1", "u2"}},
		{Name: "teaching", Users: []string{"u3"}},
	}

	policies := []Policy{
		{DoubleCount: true, DefaultGroupLabel: "multiple"},
		{DoubleCount: false, DefaultGroupLabel: "multiple"},
		{DoubleCount: false, DefaultGroupLabel: "other"},
	}

	baseline := Resolve(records, nil, policies[0])
	if len(baseline.MultiMembershipUsers) != 0 {
		t.Fatalf("MultiMembershipUsers = %v, want empty", baseline.MultiMembershipUsers)
	}
	for _, policy := range policies[1:] {
		snapshot := Resolve(records, nil, policy)
		if !reflect.DeepEqual(snapshot, baseline) {
			t.Fatalf("snapshot under %+v = %+v, want %+v", policy, snapshot, baseline)
		}
	}
}

func TestResolveAllowedGroupsFilter(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1"}},
		{Name: "B", Users: []string{"u1", "u2"}},
		{Name: "C", Users: []string{"u2"}},
	}

	snapshot := Resolve(records, []string{"A", "B"}, Policy{DoubleCount: true, DefaultGroupLabel: "multiple"})

	if got := snapshot.UserGroups["u1"]; !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("UserGroups[u1] = %v, want [A B]", got)
	}
	// C is filtered out, so u2 has a single allowed group and no default entry.
	want := map[Membership]bool{
		{Group: "A", User: "u1"}:        true,
		{Group: "B", User: "u1"}:        true,
		{Group: "multiple", User: "u1"}: true,
		{Group: "B", User: "u2"}:        true,
	}
	if got := membershipSet(snapshot); !reflect.DeepEqual(got, want) {
		t.Fatalf("memberships = %v, want %v", got, want)
	}
}

func TestResolveDuplicateUserInOneGroupIsNotMulti(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1", "u1"}},
	}

	snapshot := Resolve(records, nil, Policy{DoubleCount: false, DefaultGroupLabel: "multiple"})

	if len(snapshot.MultiMembershipUsers) != 0 {
		t.Fatalf("MultiMembershipUsers = %v, want empty", snapshot.MultiMembershipUsers)
	}
	want := map[Membership]bool{{Group: "A", User: "u1"}: true}
	if got := membershipSet(snapshot); !reflect.DeepEqual(got, want) {
		t.Fatalf("memberships = %v, want %v", got, want)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1", "u3"}},
		{Name: "B", Users: []string{"u2", "u3"}},
	}
	policy := Policy{DoubleCount: true, DefaultGroupLabel: "multiple"}

	first := Resolve(records, []string{"A", "B"}, policy)
	second := Resolve(records, []string{"A", "B"}, policy)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Resolve is not deterministic: %+v vs %+v", first, second)
	}
}

func TestResolveMultiMembershipCardinality(t *testing.T) {
	t.Parallel()

	records := []Record{
		{Name: "A", Users: []string{"u1", "u2", "u3"}},
		{Name: "B", Users: []string{"u2", "u3"}},
		{Name: "C", Users: []string{"u3", "u4"}},
	}

	snapshot := Resolve(records, nil, Policy{DoubleCount: true, DefaultGroupLabel: "multiple"})

	total := 0
	for user := range snapshot.MultiMembershipUsers {
		total += len(snapshot.UserGroups[user])
	}
	if minimum := 2 * len(snapshot.MultiMembershipUsers); total < minimum {
		t.Fatalf("sum of group counts for multi-membership users = %d, want >= %d", total, minimum)
	}
}
