package groups

import (
	"slices"
	"sort"
)

// Record is one group with its member usernames, as returned by the hub API.
type Record struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

// Policy controls how users with multiple group memberships are attributed
// in the membership gauge.
type Policy struct {
	// DoubleCount emits a multi-group user once per real group in addition
	// to the default-group entry. When false, only the default-group entry
	// is emitted for such users.
	DoubleCount bool
	// DefaultGroupLabel is the catch-all group label for multi-group users.
	DefaultGroupLabel string
}

// Membership is one resolved membership fact for the exported gauge.
type Membership struct {
	Group string `json:"group"`
	User  string `json:"user"`
}

// Snapshot is the complete result of one membership-resolution cycle. It is
// built in full and then published with a single pointer swap; readers never
// observe a partially built snapshot.
type Snapshot struct {
	// UserGroups maps each username to its allowed groups, sorted.
	UserGroups map[string][]string `json:"user_groups"`
	// MultiMembershipUsers holds users belonging to more than one allowed group.
	MultiMembershipUsers map[string]bool `json:"multi_membership_users"`
	// Memberships are the gauge facts produced under the attribution policy,
	// sorted by user then group.
	Memberships []Membership `json:"memberships"`
}

// Resolve inverts group records into a per-user view and applies the
// attribution policy. It is a pure function of its inputs: feeding the same
// records, filter, and policy always yields an identical snapshot.
//
// An empty allowedGroups filter keeps all groups. A user listed twice in the
// same group counts as one membership.
func Resolve(records []Record, allowedGroups []string, policy Policy) Snapshot {
	allowed := make(map[string]bool, len(allowedGroups))
	for _, group := range allowedGroups {
		allowed[group] = true
	}

	userGroupSets := make(map[string]map[string]bool)
	for _, record := range records {
		if len(allowed) > 0 && !allowed[record.Name] {
			continue
		}
		for _, user := range record.Users {
			set, ok := userGroupSets[user]
			if !ok {
				set = make(map[string]bool)
				userGroupSets[user] = set
			}
			set[record.Name] = true
		}
	}

	snapshot := Snapshot{
		UserGroups:           make(map[string][]string, len(userGroupSets)),
		MultiMembershipUsers: make(map[string]bool),
	}

	users := make([]string, 0, len(userGroupSets))
	for user, set := range userGroupSets {
		users = append(users, user)
		groupNames := make([]string, 0, len(set))
		for group := range set {
			groupNames = append(groupNames, group)
		}
		sort.Strings(groupNames)
		snapshot.UserGroups[user] = groupNames
		if len(groupNames) > 1 {
			snapshot.MultiMembershipUsers[user] = true
		}
	}
	sort.Strings(users)

	for _, user := range users {
		groupNames := snapshot.UserGroups[user]
		if len(groupNames) == 1 {
			snapshot.Memberships = append(snapshot.Memberships, Membership{Group: groupNames[0], User: user})
			continue
		}
		if policy.DoubleCount {
			for _, group := range groupNames {
				snapshot.Memberships = append(snapshot.Memberships, Membership{Group: group, User: user})
			}
		}
		snapshot.Memberships = append(snapshot.Memberships, Membership{Group: policy.DefaultGroupLabel, User: user})
	}

	return snapshot
}

// GroupsFor returns the resolved groups for a username, or nil when the user
// is absent from the snapshot.
func (s Snapshot) GroupsFor(username string) []string {
	return slices.Clone(s.UserGroups[username])
}
