package domain

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MatchKind selects which container field an intent matches against.
type MatchKind string

const (
	MatchContainers MatchKind = "containers"
	MatchImages     MatchKind = "images"
	MatchStacks     MatchKind = "stacks"
	MatchInstances  MatchKind = "instances"
	MatchRegistries MatchKind = "registries"
)

// MatchKinds lists every kind in evaluation order.
var MatchKinds = []MatchKind{MatchContainers, MatchImages, MatchStacks, MatchInstances, MatchRegistries}

// Valid reports whether k is a known match kind.
func (k MatchKind) Valid() bool {
	for _, known := range MatchKinds {
		if k == known {
			return true
		}
	}
	return false
}

// MatchCriteria is one populated match dimension of an intent.
type MatchCriteria struct {
	Kind   MatchKind `json:"kind"`
	Values []string  `json:"values"`
}

// ScheduleType decides when an intent fires.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
)

// Exclusions narrow the containers selected by an intent's criteria.
type Exclusions struct {
	Containers []string `json:"excludeContainers,omitempty" yaml:"excludeContainers,omitempty"`
	Images     []string `json:"excludeImages,omitempty" yaml:"excludeImages,omitempty"`
	Stacks     []string `json:"excludeStacks,omitempty" yaml:"excludeStacks,omitempty"`
	Registries []string `json:"excludeRegistries,omitempty" yaml:"excludeRegistries,omitempty"`
}

// Intent is a persisted rule selecting containers to keep upgraded.
type Intent struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Enabled  bool            `json:"enabled"`
	Criteria []MatchCriteria `json:"criteria"`
	Exclude  Exclusions      `json:"exclude"`

	ScheduleType ScheduleType `json:"scheduleType"`
	ScheduleCron string       `json:"scheduleCron,omitempty"`
	DryRun       bool         `json:"dryRun"`

	LastEvaluatedAt     *time.Time      `json:"lastEvaluatedAt,omitempty"`
	LastExecutionStatus ExecutionStatus `json:"lastExecutionStatus,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// MatchType returns the kind of the first populated criteria.
func (i *Intent) MatchType() MatchKind {
	for _, c := range i.Criteria {
		if len(c.Values) > 0 {
			return c.Kind
		}
	}
	return ""
}

// MatchValues returns the values of the first populated criteria.
func (i *Intent) MatchValues() []string {
	for _, c := range i.Criteria {
		if len(c.Values) > 0 {
			return c.Values
		}
	}
	return nil
}

// CronParser is the 5-field parser used for scheduled intents.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a scheduleCron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return CronParser.Parse(strings.TrimSpace(expr))
}

// Validate checks the intent before it is persisted.
func (i *Intent) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}

	populated := 0
	for _, c := range i.Criteria {
		if !c.Kind.Valid() {
			return NewValidationError("matchType", "unknown match type %q", c.Kind)
		}
		nonEmpty := 0
		for _, v := range c.Values {
			if strings.TrimSpace(v) != "" {
				nonEmpty++
			}
		}
		if nonEmpty > 0 {
			populated++
		}
	}
	if populated == 0 {
		return NewValidationError("matchValues", "at least one match value is required")
	}

	switch i.ScheduleType {
	case ScheduleImmediate:
		if i.ScheduleCron != "" {
			return NewValidationError("scheduleCron", "only allowed for scheduled intents")
		}
	case ScheduleScheduled:
		if strings.TrimSpace(i.ScheduleCron) == "" {
			return NewValidationError("scheduleCron", "required for scheduled intents")
		}
		if _, err := ParseCron(i.ScheduleCron); err != nil {
			return NewValidationError("scheduleCron", "invalid cron expression: %v", err)
		}
	default:
		return NewValidationError("scheduleType", "must be %q or %q", ScheduleImmediate, ScheduleScheduled)
	}
	return nil
}

// Normalize trims values and drops empty entries and criteria.
func (i *Intent) Normalize() {
	i.Name = strings.TrimSpace(i.Name)
	i.ScheduleCron = strings.TrimSpace(i.ScheduleCron)
	criteria := make([]MatchCriteria, 0, len(i.Criteria))
	for _, c := range i.Criteria {
		c.Values = compact(c.Values)
		if len(c.Values) > 0 {
			criteria = append(criteria, c)
		}
	}
	i.Criteria = criteria
	i.Exclude.Containers = compact(i.Exclude.Containers)
	i.Exclude.Images = compact(i.Exclude.Images)
	i.Exclude.Stacks = compact(i.Exclude.Stacks)
	i.Exclude.Registries = compact(i.Exclude.Registries)
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
