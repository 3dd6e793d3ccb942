package skill

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"murmur/pkg/intent"
)

// Registry is the lock-guarded table of loaded skills. Registration,
// replacement, and removal are atomic relative to concurrent lookups: a
// dispatch never observes a half-updated skill.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	skills    map[string]*registration
	nextOrder int
}

// registration pairs a skill with its registration order slot and the mutex
// serializing its dispatches.
type registration struct {
	skill *Skill
	order int

	dispatchMu sync.Mutex
}

// NewRegistry creates an empty skill registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "skill.registry"),
		skills: make(map[string]*registration),
	}
}

// Register loads a skill. A colliding id is resolved by atomic replacement:
// the old registration's handlers are gone before the new ones are visible,
// with no window where both or neither are live. Replacement keeps the
// original registration order slot so ranking tie-breaks stay stable.
func (r *Registry) Register(s *Skill) error {
	if err := validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order := r.nextOrder
	if previous, ok := r.skills[s.ID]; ok {
		order = previous.order
		r.log.Info("Skill replaced", "skill_id", s.ID)
	} else {
		r.nextOrder++
		r.log.Info("Skill registered", "skill_id", s.ID)
	}

	r.skills[s.ID] = &registration{skill: s, order: order}
	return nil
}

// Unregister removes a skill and all its intents atomically. Reports
// whether the skill was registered.
func (r *Registry) Unregister(skillID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.skills[skillID]; !ok {
		return false
	}
	delete(r.skills, skillID)
	r.log.Info("Skill unregistered", "skill_id", skillID)
	return true
}

// Catalog snapshots every registered descriptor plus entity vocabularies
// for the matcher pipeline. Descriptors carry their skill's order slot.
func (r *Registry) Catalog() intent.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	catalog := intent.Catalog{
		Vocab: make(map[string]map[string][]string, len(r.skills)),
	}
	for id, reg := range r.skills {
		for _, desc := range reg.skill.Intents {
			desc.SkillID = id
			desc.SkillOrder = reg.order
			catalog.Descriptors = append(catalog.Descriptors, desc)
		}
		if len(reg.skill.Entities) > 0 {
			catalog.Vocab[id] = reg.skill.Entities
		}
	}
	return catalog
}

// Converse returns the converse hook of a skill, if it declares one.
func (r *Registry) Converse(skillID string) (ConverseHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.skills[skillID]
	if !ok || reg.skill.Converse == nil {
		return nil, false
	}
	return reg.skill.Converse, true
}

// Fallbacks returns every registered fallback, higher priority first;
// within one priority, earlier-registered skills first.
func (r *Registry) Fallbacks() []Fallback {
	r.mu.RLock()
	type ordered struct {
		fallback Fallback
		order    int
	}
	var all []ordered
	for _, reg := range r.skills {
		for _, fb := range reg.skill.Fallbacks {
			all = append(all, ordered{fallback: fb, order: reg.order})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].fallback.Priority != all[j].fallback.Priority {
			return all[i].fallback.Priority > all[j].fallback.Priority
		}
		return all[i].order < all[j].order
	})

	out := make([]Fallback, len(all))
	for i, item := range all {
		out[i] = item.fallback
	}
	return out
}

// lookup returns the live registration for a skill id.
func (r *Registry) lookup(skillID string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.skills[skillID]
	return reg, ok
}

func validate(s *Skill) error {
	if s == nil {
		return errors.New("skill is required")
	}
	if s.ID == "" {
		return errors.New("skill id is required")
	}

	seen := make(map[string]struct{}, len(s.Intents))
	for _, desc := range s.Intents {
		if desc.Name == "" {
			return fmt.Errorf("skill %s declares an unnamed intent", s.ID)
		}
		if _, dup := seen[desc.Name]; dup {
			return fmt.Errorf("skill %s declares intent %q twice", s.ID, desc.Name)
		}
		seen[desc.Name] = struct{}{}

		if desc.Kind == intent.KindFallback {
			continue
		}
		if _, ok := s.Handlers[desc.Name]; !ok {
			return fmt.Errorf("skill %s declares intent %q without a handler", s.ID, desc.Name)
		}
		if desc.Kind == intent.KindKeyword && len(desc.RequiredEntities) == 0 && len(desc.OptionalEntities) == 0 {
			return fmt.Errorf("skill %s declares keyword intent %q with no entities", s.ID, desc.Name)
		}
	}
	return nil
}
