package models

import (
	"fmt"
	"sort"
	"strings"
)

// Reserved tags attached to every memory record.
const (
	ReservedTagPrefix    = "__"
	ReservedDocumentID   = "__document_id"
	ReservedFileType     = "__file_type"
	ReservedFileID       = "__file_id"
	ReservedFilePartID   = "__file_part"
	ReservedPartitionNum = "__part_n"
	ReservedSectionNum   = "__sect_n"
	ReservedSynthetic    = "__synth"

	// TagSeparator separates key and value in the textual form "key:value".
	TagSeparator = ":"
)

// TagCollection maps a tag name to a set of values. Order of values is insertion order.
type TagCollection map[string][]string

// Add appends value to key, ignoring duplicates. An empty value registers the key only.
func (t TagCollection) Add(key, value string) {
	values := t[key]
	if value == "" {
		if values == nil {
			t[key] = []string{}
		}
		return
	}
	for _, v := range values {
		if v == value {
			return
		}
	}
	t[key] = append(values, value)
}

// Set replaces the values of key.
func (t TagCollection) Set(key string, values ...string) {
	t[key] = []string{}
	for _, v := range values {
		t.Add(key, v)
	}
}

func (t TagCollection) ContainsKey(key string) bool {
	_, ok := t[key]
	return ok
}

// Clone returns a deep copy; a nil collection clones into an empty one.
func (t TagCollection) Clone() TagCollection {
	out := make(TagCollection, len(t))
	t.CopyTo(out)
	return out
}

// CopyTo merges every tag into dst.
func (t TagCollection) CopyTo(dst TagCollection) {
	for k, values := range t {
		if len(values) == 0 {
			dst.Add(k, "")
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// Pairs returns "key:value" strings sorted by key, one per value.
func (t TagCollection) Pairs() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		if len(t[k]) == 0 {
			pairs = append(pairs, k)
			continue
		}
		for _, v := range t[k] {
			pairs = append(pairs, k+TagSeparator+v)
		}
	}
	return pairs
}

// ParseTag splits "key:value". Keys using the reserved prefix are rejected.
func ParseTag(s string) (string, string, error) {
	key, value, _ := strings.Cut(s, TagSeparator)
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("invalid tag %q: empty key", s)
	}
	if strings.HasPrefix(key, ReservedTagPrefix) {
		return "", "", fmt.Errorf("invalid tag %q: %q prefix is reserved", s, ReservedTagPrefix)
	}
	return key, strings.TrimSpace(value), nil
}

// Matches reports whether every key/value in filter is present in t.
func (t TagCollection) Matches(filter TagCollection) bool {
	for k, want := range filter {
		have, ok := t[k]
		if !ok {
			return false
		}
		for _, w := range want {
			found := false
			for _, h := range have {
				if h == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
