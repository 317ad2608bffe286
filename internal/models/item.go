package models

import "sort"

// WorkItem is one (subject, target) pair in a batch, e.g. one official on one match.
// Attributes are rendering hints and do not take part in identity.
type WorkItem struct {
	Subject    string         `json:"subject"`
	Target     string         `json:"target"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Key is the identity of the item within a batch.
func (w WorkItem) Key() string {
	return w.Subject + "\x1f" + w.Target
}

func (w WorkItem) Clone() WorkItem {
	out := w
	if w.Attributes != nil {
		out.Attributes = make(map[string]any, len(w.Attributes))
		for k, v := range w.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// UniqueItems drops items whose identity was already seen, keeping the first occurrence,
// and returns the survivors ordered by identity.
func UniqueItems(items []WorkItem) []WorkItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]WorkItem, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
