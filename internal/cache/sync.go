package cache

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/wareflow/realtime-go/internal/event"
)

// Synchronizer reconciles filtered change events into the local cache.
// Writes are best-effort: lists not currently resident are skipped rather
// than fetched, so the event path never performs network I/O.
type Synchronizer struct {
	store  Store
	filter *Filter
	logger *slog.Logger

	mu    sync.Mutex
	lists map[string][]string // entity type → registered list query keys
}

// NewSynchronizer creates a synchronizer over store, guarded by filter.
func NewSynchronizer(store Store, filter *Filter, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:  store,
		filter: filter,
		logger: logger,
		lists:  make(map[string][]string),
	}
}

// RegisterList associates a list-shaped query key with an entity type so
// create/update/delete events rewrite it while resident.
func (s *Synchronizer) RegisterList(entityType, queryKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.lists[entityType] {
		if existing == queryKey {
			return
		}
	}
	s.lists[entityType] = append(s.lists[entityType], queryKey)
}

// Process is the multiplexer event hook: payloads that are not change events
// pass through untouched; change events are filtered and, when allowed,
// reconciled into the cache before fan-out.
func (s *Synchronizer) Process(poolKey string, data json.RawMessage) bool {
	ev, err := event.ParseChangeEvent(data)
	if err != nil || ev.EntityType == "" || ev.Kind == event.KindUnknown {
		// Not CRUD-shaped; nothing to scope or reconcile.
		return true
	}

	if !s.filter.Allow(ev) {
		s.logger.Debug("event filtered",
			"tenant", ev.TenantID,
			"entity_type", ev.EntityType,
			"kind", ev.Kind.String(),
		)
		return false
	}

	s.Apply(ev)
	return true
}

// Apply reconciles one change event.
func (s *Synchronizer) Apply(ev event.ChangeEvent) {
	id := ev.EntityID()
	if id == "" && ev.Kind != event.KindUnknown {
		s.logger.Warn("change event without entity id", "entity_type", ev.EntityType)
		return
	}
	ref := s.store.Identify(ev.EntityType, id)

	switch ev.Kind {
	case event.KindCreate:
		s.store.WriteFragment(ref, ev.Entity)
		s.eachResidentList(ev.EntityType, func(key string, items []json.RawMessage) []json.RawMessage {
			return append(items, ev.Entity)
		})

	case event.KindUpdate:
		s.patchFragment(ref, ev.Entity)
		s.eachResidentList(ev.EntityType, func(key string, items []json.RawMessage) []json.RawMessage {
			for i, item := range items {
				if rawEntityID(item) == id {
					items[i] = mergeEntity(item, ev.Entity)
				}
			}
			return items
		})

	case event.KindDelete:
		s.store.Evict(ref)
		s.eachResidentList(ev.EntityType, func(key string, items []json.RawMessage) []json.RawMessage {
			kept := items[:0]
			for _, item := range items {
				if rawEntityID(item) != id {
					kept = append(kept, item)
				}
			}
			return kept
		})
	}
}

// patchFragment merges the update into the resident fragment; a miss writes
// the update as the new fragment.
func (s *Synchronizer) patchFragment(ref string, patch json.RawMessage) {
	if existing, ok := s.store.ReadFragment(ref); ok {
		s.store.WriteFragment(ref, mergeEntity(existing, patch))
		return
	}
	s.store.WriteFragment(ref, patch)
}

// eachResidentList rewrites every registered, currently-resident list for
// the entity type. Absent lists are skipped.
func (s *Synchronizer) eachResidentList(entityType string, rewrite func(key string, items []json.RawMessage) []json.RawMessage) {
	s.mu.Lock()
	keys := append([]string(nil), s.lists[entityType]...)
	s.mu.Unlock()

	for _, key := range keys {
		raw, ok := s.store.ReadQuery(key)
		if !ok {
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			s.logger.Warn("cached list is not an array, skipping", "key", key, "error", err)
			continue
		}

		updated, err := json.Marshal(rewrite(key, items))
		if err != nil {
			s.logger.Warn("rewrite list failed", "key", key, "error", err)
			continue
		}
		s.store.WriteQuery(key, updated)
	}
}

// rawEntityID extracts the "id" field of an entity payload.
func rawEntityID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// mergeEntity shallow-merges patch fields over base.
func mergeEntity(base, patch json.RawMessage) json.RawMessage {
	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return patch
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return base
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return patch
	}
	return merged
}
