package routing

// Health score thresholds used to bucket agents in a HealthSummary.
const (
	HealthGood     = 80
	HealthWarning  = 60
	HealthCritical = 30
)

// HealthLevel grades the average health of the registered agents.
type HealthLevel string

const (
	HealthLevelNoAgents  HealthLevel = "no_agents"
	HealthLevelExcellent HealthLevel = "excellent"
	HealthLevelGood      HealthLevel = "good"
	HealthLevelWarning   HealthLevel = "warning"
	HealthLevelCritical  HealthLevel = "critical"
)

// HealthSummary buckets agents by health score. Agents between the critical
// and warning thresholds fall in no bucket.
type HealthSummary struct {
	Level    HealthLevel `json:"level"`
	Average  float64     `json:"average_health"`
	Total    int         `json:"total"`
	Healthy  int         `json:"healthy"`
	Warning  int         `json:"warning"`
	Critical int         `json:"critical"`
}

// SummarizeHealth grades a set of route records.
func SummarizeHealth(states []RouteState) HealthSummary {
	sum := HealthSummary{Level: HealthLevelNoAgents, Total: len(states)}
	if len(states) == 0 {
		return sum
	}

	var total int
	for _, st := range states {
		total += st.HealthScore
		switch {
		case st.HealthScore >= HealthGood:
			sum.Healthy++
		case st.HealthScore >= HealthWarning:
			sum.Warning++
		case st.HealthScore < HealthCritical:
			sum.Critical++
		}
	}
	sum.Average = float64(total) / float64(len(states))

	switch {
	case sum.Average >= HealthGood:
		sum.Level = HealthLevelExcellent
	case sum.Average >= HealthWarning:
		sum.Level = HealthLevelGood
	case sum.Average >= HealthCritical:
		sum.Level = HealthLevelWarning
	default:
		sum.Level = HealthLevelCritical
	}
	return sum
}
