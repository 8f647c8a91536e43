package phoenix

import (
	"encoding/json"

	"github.com/go-faster/errors"
)

// presenceEntry — одна запись реестра (meta) с её phx_ref.
type presenceEntry struct {
	ref  string
	meta json.RawMessage
}

// presenceSet — реестр канала: ключ -> записи. Правила слияния повторяют
// Phoenix.Presence: presence_state заменяет реестр целиком, presence_diff
// сначала добавляет joins (с заменой по phx_ref), затем убирает leaves.
type presenceSet struct {
	entries map[string][]presenceEntry
}

func newPresenceSet() *presenceSet {
	return &presenceSet{entries: make(map[string][]presenceEntry)}
}

type presenceMetas struct {
	Metas []json.RawMessage `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceMetas `json:"joins"`
	Leaves map[string]presenceMetas `json:"leaves"`
}

func metaRef(meta json.RawMessage) string {
	var head struct {
		Ref string `json:"phx_ref"`
	}
	_ = json.Unmarshal(meta, &head)
	return head.Ref
}

func (p *presenceSet) syncState(raw json.RawMessage) error {
	var state map[string]presenceMetas
	if err := json.Unmarshal(raw, &state); err != nil {
		return errors.Wrap(err, "decode presence_state")
	}
	p.entries = make(map[string][]presenceEntry, len(state))
	for key, m := range state {
		p.join(key, m.Metas)
	}
	return nil
}

func (p *presenceSet) syncDiff(raw json.RawMessage) error {
	var diff presenceDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		return errors.Wrap(err, "decode presence_diff")
	}
	for key, m := range diff.Joins {
		p.join(key, m.Metas)
	}
	for key, m := range diff.Leaves {
		p.leave(key, m.Metas)
	}
	return nil
}

func (p *presenceSet) join(key string, metas []json.RawMessage) {
	list := p.entries[key]
	for _, meta := range metas {
		ref := metaRef(meta)
		replaced := false
		for i := range list {
			if ref != "" && list[i].ref == ref {
				list[i].meta = meta
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, presenceEntry{ref: ref, meta: meta})
		}
	}
	if len(list) > 0 {
		p.entries[key] = list
	}
}

func (p *presenceSet) leave(key string, metas []json.RawMessage) {
	list, ok := p.entries[key]
	if !ok {
		return
	}
	for _, meta := range metas {
		ref := metaRef(meta)
		for i := range list {
			if list[i].ref == ref {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	if len(list) == 0 {
		delete(p.entries, key)
	} else {
		p.entries[key] = list
	}
}

func (p *presenceSet) reset() {
	p.entries = make(map[string][]presenceEntry)
}

func (p *presenceSet) snapshot() map[string][]json.RawMessage {
	out := make(map[string][]json.RawMessage, len(p.entries))
	for key, list := range p.entries {
		metas := make([]json.RawMessage, 0, len(list))
		for _, e := range list {
			metas = append(metas, append(json.RawMessage(nil), e.meta...))
		}
		out[key] = metas
	}
	return out
}
