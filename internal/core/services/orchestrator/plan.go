package orchestrator

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
)

// target is one container an execution will produce a result for.
type target struct {
	container domain.Container
	// upgrade is false for dependents folded into a provider unit without
	// being matched themselves; they are recreated on their current image.
	upgrade bool
}

// unit is the smallest independently schedulable piece of a batch: either
// a single container or a network provider together with its dependents.
type unit struct {
	primary    target
	dependents []target
	// planErr fails the whole unit before any mutation.
	planErr error
}

func (u *unit) size() int {
	return 1 + len(u.dependents)
}

func (u *unit) members() []target {
	return append([]target{u.primary}, u.dependents...)
}

// attachesTo reports whether c shares the network namespace of provider.
func attachesTo(c, provider domain.Container) bool {
	if c.UsesNetworkMode == "" || c.InstanceID != provider.InstanceID || c.ID == provider.ID {
		return false
	}
	mode := strings.TrimPrefix(c.UsesNetworkMode, domain.NetworkModePrefix)
	return mode == provider.ID || (provider.Name != "" && mode == provider.Name) ||
		(len(mode) >= 12 && strings.HasPrefix(provider.ID, mode))
}

// FindDependents returns the containers in inventory attached to
// provider's network namespace, sorted by ID.
func FindDependents(provider domain.Container, inventory []domain.Container) []domain.Container {
	var deps []domain.Container
	for _, c := range inventory {
		if attachesTo(c, provider) {
			deps = append(deps, c)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps
}

// buildPlan groups matched containers into units. Every matched network
// provider absorbs its dependents from the inventory, matched or not;
// remaining matched containers become single-container units.
func buildPlan(matched, inventory []domain.Container) []*unit {
	selected := make(map[string]bool, len(matched))
	for _, c := range matched {
		selected[c.Ref().String()] = true
	}

	claimed := make(map[string]bool)
	var units []*unit

	for _, c := range matched {
		deps := FindDependents(c, inventory)
		if len(deps) == 0 && !c.ProvidesNetwork {
			continue
		}
		u := &unit{primary: target{container: c, upgrade: true}}
		for _, d := range deps {
			u.dependents = append(u.dependents, target{container: d, upgrade: selected[d.Ref().String()]})
			if nested := FindDependents(d, inventory); len(nested) > 0 || d.ProvidesNetwork {
				u.planErr = errors.Wrapf(domain.ErrUnsafeDependents,
					"dependent %s of %s itself provides a network namespace", d.Name, c.Name)
			}
		}
		if u.planErr == nil && c.UsesNetworkMode != "" {
			u.planErr = errors.Wrapf(domain.ErrUnsafeDependents,
				"%s provides a network namespace while attached to %s", c.Name, c.UsesNetworkMode)
		}
		claimed[c.Ref().String()] = true
		for _, d := range deps {
			claimed[d.Ref().String()] = true
		}
		units = append(units, u)
	}
	units = foldNested(units)

	for _, c := range matched {
		if claimed[c.Ref().String()] {
			continue
		}
		claimed[c.Ref().String()] = true
		units = append(units, &unit{primary: target{container: c, upgrade: true}})
	}

	sort.SliceStable(units, func(i, j int) bool {
		return units[i].primary.container.ID < units[j].primary.container.ID
	})
	return units
}

// foldNested merges a unit whose primary is a dependent of another unit into
// that unit, so every container belongs to exactly one unit. The outer unit
// already carries ErrUnsafeDependents for the nested provider.
func foldNested(units []*unit) []*unit {
	for changed := true; changed; {
		changed = false
		for i, u := range units {
			outer := ownerOf(units, i)
			if outer == nil {
				continue
			}
			present := make(map[string]bool, len(outer.dependents))
			for _, d := range outer.dependents {
				present[d.container.Ref().String()] = true
			}
			for _, d := range u.dependents {
				if !present[d.container.Ref().String()] && d.container.Ref() != outer.primary.container.Ref() {
					outer.dependents = append(outer.dependents, d)
				}
			}
			if outer.planErr == nil {
				outer.planErr = errors.Wrapf(domain.ErrUnsafeDependents,
					"dependent %s of %s itself provides a network namespace",
					u.primary.container.Name, outer.primary.container.Name)
			}
			units = append(units[:i], units[i+1:]...)
			changed = true
			break
		}
	}
	return units
}

// ownerOf returns the unit, other than units[i], listing units[i]'s primary
// as a dependent.
func ownerOf(units []*unit, i int) *unit {
	ref := units[i].primary.container.Ref()
	for j, o := range units {
		if j == i {
			continue
		}
		for _, d := range o.dependents {
			if d.container.Ref() == ref {
				return o
			}
		}
	}
	return nil
}

func planSize(units []*unit) int {
	n := 0
	for _, u := range units {
		n += u.size()
	}
	return n
}
