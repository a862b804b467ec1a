package match

import (
	"sort"
	"strings"

	"github.com/melih/lighthouse/internal/core/domain"
)

// RegistryHost returns the registry host of an image reference, or "" when
// the reference uses the default registry. Only a first path segment
// containing a dot counts as a host.
func RegistryHost(image string) string {
	slash := strings.Index(image, "/")
	if slash < 0 {
		return ""
	}
	first := image[:slash]
	if !strings.Contains(first, ".") {
		return ""
	}
	return first
}

// fields returns the values a container exposes for a match dimension.
func fields(kind domain.MatchKind, c domain.Container) []string {
	switch kind {
	case domain.MatchContainers:
		return []string{c.Name}
	case domain.MatchImages:
		return []string{c.Image}
	case domain.MatchStacks:
		return []string{c.StackName}
	case domain.MatchInstances:
		return []string{c.InstanceName, c.InstanceID}
	case domain.MatchRegistries:
		return []string{RegistryHost(c.Image)}
	}
	return nil
}

type dimension struct {
	kind     domain.MatchKind
	matchers Set
}

// Evaluator is an intent compiled for repeated evaluation.
type Evaluator struct {
	include []dimension
	exclude []dimension
}

// NewEvaluator compiles the intent's criteria and exclusions.
func NewEvaluator(intent *domain.Intent) *Evaluator {
	e := &Evaluator{}
	for _, c := range intent.Criteria {
		if len(c.Values) == 0 {
			continue
		}
		e.include = append(e.include, dimension{kind: c.Kind, matchers: CompileAll(c.Values)})
	}
	ex := intent.Exclude
	for _, d := range []struct {
		kind   domain.MatchKind
		values []string
	}{
		{domain.MatchContainers, ex.Containers},
		{domain.MatchImages, ex.Images},
		{domain.MatchStacks, ex.Stacks},
		{domain.MatchRegistries, ex.Registries},
	} {
		if len(d.values) > 0 {
			e.exclude = append(e.exclude, dimension{kind: d.kind, matchers: CompileAll(d.values)})
		}
	}
	return e
}

// Matches reports whether a single container is selected.
func (e *Evaluator) Matches(c domain.Container) bool {
	return anyDimension(e.include, c) && !anyDimension(e.exclude, c)
}

func anyDimension(dims []dimension, c domain.Container) bool {
	for _, d := range dims {
		if d.matchers.AnyOf(fields(d.kind, c)...) {
			return true
		}
	}
	return false
}

// Evaluate returns the containers selected by the evaluator, de-duplicated
// by ID and sorted by ID.
func (e *Evaluator) Evaluate(inventory []domain.Container) []domain.Container {
	seen := make(map[string]struct{}, len(inventory))
	out := make([]domain.Container, 0)
	for _, c := range inventory {
		key := c.Ref().String()
		if _, dup := seen[key]; dup {
			continue
		}
		if !e.Matches(c) {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Evaluate is a convenience wrapper compiling the intent once.
func Evaluate(intent *domain.Intent, inventory []domain.Container) []domain.Container {
	return NewEvaluator(intent).Evaluate(inventory)
}
