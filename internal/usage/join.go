package usage

import (
	"github.com/hubmetrics/groups-exporter/internal/groups"
	"github.com/hubmetrics/groups-exporter/internal/promql"
)

// UnresolvedGroup is the group label applied to usage samples whose username
// is absent from the current membership snapshot. Usage data is never
// dropped: an unknown user still produces exactly one output sample.
const UnresolvedGroup = "unresolved"

// JoinedSample is one usage sample attributed to a group.
type JoinedSample struct {
	Group    string
	Username string
	Value    float64
}

// Join attributes usage samples to groups via the snapshot's user index.
// A user in several groups fans out to one sample per group; the join always
// covers every real group, independent of the membership gauge's attribution
// policy, so per-group usage totals stay complete.
func Join(samples []promql.Sample, snapshot groups.Snapshot) []JoinedSample {
	joined := make([]JoinedSample, 0, len(samples))
	for _, sample := range samples {
		userGroups := snapshot.UserGroups[sample.Username]
		if len(userGroups) == 0 {
			joined = append(joined, JoinedSample{
				Group:    UnresolvedGroup,
				Username: sample.Username,
				Value:    sample.Value,
			})
			continue
		}
		for _, group := range userGroups {
			joined = append(joined, JoinedSample{
				Group:    group,
				Username: sample.Username,
				Value:    sample.Value,
			})
		}
	}
	return joined
}
