package domain

import "encoding/json"

// IntentSpec is the user-facing shape of an intent accepted by the HTTP API
// and by intents.yaml. Criteria come either as matchType/matchValues or as
// the five per-kind lists; both forms may be mixed.
type IntentSpec struct {
	Name    string `json:"name" yaml:"name"`
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	MatchType   MatchKind `json:"matchType,omitempty" yaml:"matchType,omitempty"`
	MatchValues []string  `json:"matchValues,omitempty" yaml:"matchValues,omitempty"`

	MatchContainers []string `json:"matchContainers,omitempty" yaml:"matchContainers,omitempty"`
	MatchImages     []string `json:"matchImages,omitempty" yaml:"matchImages,omitempty"`
	MatchStacks     []string `json:"matchStacks,omitempty" yaml:"matchStacks,omitempty"`
	MatchInstances  []string `json:"matchInstances,omitempty" yaml:"matchInstances,omitempty"`
	MatchRegistries []string `json:"matchRegistries,omitempty" yaml:"matchRegistries,omitempty"`

	Exclusions `yaml:",inline"`

	ScheduleType ScheduleType `json:"scheduleType" yaml:"scheduleType"`
	ScheduleCron string       `json:"scheduleCron,omitempty" yaml:"scheduleCron,omitempty"`
	DryRun       bool         `json:"dryRun" yaml:"dryRun"`
}

// Intent converts the spec into criteria form. An omitted enabled flag
// means enabled.
func (s IntentSpec) Intent() *Intent {
	intent := &Intent{
		Name:         s.Name,
		Enabled:      s.Enabled == nil || *s.Enabled,
		Exclude:      s.Exclusions,
		ScheduleType: s.ScheduleType,
		ScheduleCron: s.ScheduleCron,
		DryRun:       s.DryRun,
	}
	if intent.ScheduleType == "" {
		intent.ScheduleType = ScheduleImmediate
	}

	add := func(kind MatchKind, values []string) {
		if kind == "" {
			return
		}
		for i := range intent.Criteria {
			if intent.Criteria[i].Kind == kind {
				intent.Criteria[i].Values = append(intent.Criteria[i].Values, values...)
				return
			}
		}
		intent.Criteria = append(intent.Criteria, MatchCriteria{Kind: kind, Values: append([]string(nil), values...)})
	}
	add(s.MatchType, s.MatchValues)
	for _, l := range []struct {
		kind   MatchKind
		values []string
	}{
		{MatchContainers, s.MatchContainers},
		{MatchImages, s.MatchImages},
		{MatchStacks, s.MatchStacks},
		{MatchInstances, s.MatchInstances},
		{MatchRegistries, s.MatchRegistries},
	} {
		if len(l.values) > 0 {
			add(l.kind, l.values)
		}
	}
	return intent
}

// MarshalJSON adds the tagged matchType/matchValues pair next to criteria.
func (i Intent) MarshalJSON() ([]byte, error) {
	type plain Intent
	return json.Marshal(struct {
		plain
		MatchType   MatchKind `json:"matchType,omitempty"`
		MatchValues []string  `json:"matchValues,omitempty"`
	}{
		plain:       plain(i),
		MatchType:   i.MatchType(),
		MatchValues: i.MatchValues(),
	})
}
