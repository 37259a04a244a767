package realtime

import "encoding/json"

// PresenceMeta is one tracked payload of a member. phx_ref identifies the
// individual join.
type PresenceMeta map[string]any

// Ref returns the phx_ref of the meta.
func (m PresenceMeta) Ref() string {
	ref, _ := m["phx_ref"].(string)
	return ref
}

// PresenceState maps a presence key to its metas.
type PresenceState map[string][]PresenceMeta

// Clone returns a deep enough copy for handing to another goroutine.
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, metas := range s {
		out[key] = append([]PresenceMeta(nil), metas...)
	}
	return out
}

type presenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

func decodePresenceState(raw json.RawMessage) (PresenceState, error) {
	var entries map[string]presenceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	state := make(PresenceState, len(entries))
	for key, entry := range entries {
		if len(entry.Metas) > 0 {
			state[key] = entry.Metas
		}
	}
	return state, nil
}

// applyDiff folds joins and leaves into state in place.
func applyDiff(state PresenceState, diff presenceDiff) {
	for key, entry := range diff.Joins {
		current := state[key]
		for _, meta := range entry.Metas {
			if !containsRef(current, meta.Ref()) {
				current = append(current, meta)
			}
		}
		state[key] = current
	}
	for key, entry := range diff.Leaves {
		current, ok := state[key]
		if !ok {
			continue
		}
		kept := current[:0]
		for _, meta := range current {
			if !containsRef(entry.Metas, meta.Ref()) {
				kept = append(kept, meta)
			}
		}
		if len(kept) == 0 {
			delete(state, key)
			continue
		}
		state[key] = kept
	}
}

func containsRef(metas []PresenceMeta, ref string) bool {
	if ref == "" {
		return false
	}
	for _, meta := range metas {
		if meta.Ref() == ref {
			return true
		}
	}
	return false
}
