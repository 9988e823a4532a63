package pool

import "sort"

// TagIndex is a bidirectional many-to-many index between tags (monitor ids)
// and entity ids. It is not safe for concurrent use; callers hold their own lock.
type TagIndex struct {
	byTag    map[string]map[string]struct{}
	byEntity map[string]map[string]struct{}
}

func NewTagIndex() *TagIndex {
	return &TagIndex{
		byTag:    make(map[string]map[string]struct{}),
		byEntity: make(map[string]map[string]struct{}),
	}
}

// Add links entity and tag. It reports whether the link is new.
func (x *TagIndex) Add(entity, tag string) bool {
	if x.Has(entity, tag) {
		return false
	}
	if x.byTag[tag] == nil {
		x.byTag[tag] = make(map[string]struct{})
	}
	if x.byEntity[entity] == nil {
		x.byEntity[entity] = make(map[string]struct{})
	}
	x.byTag[tag][entity] = struct{}{}
	x.byEntity[entity][tag] = struct{}{}
	return true
}

// Remove unlinks entity and tag. It reports whether a link existed.
func (x *TagIndex) Remove(entity, tag string) bool {
	if !x.Has(entity, tag) {
		return false
	}
	delete(x.byTag[tag], entity)
	if len(x.byTag[tag]) == 0 {
		delete(x.byTag, tag)
	}
	delete(x.byEntity[entity], tag)
	if len(x.byEntity[entity]) == 0 {
		delete(x.byEntity, entity)
	}
	return true
}

// Has reports whether entity carries tag.
func (x *TagIndex) Has(entity, tag string) bool {
	_, ok := x.byEntity[entity][tag]
	return ok
}

// Entities returns the ids tagged with tag, sorted.
func (x *TagIndex) Entities(tag string) []string {
	return sortedKeys(x.byTag[tag])
}

// Tags returns the tags of entity, sorted.
func (x *TagIndex) Tags(entity string) []string {
	return sortedKeys(x.byEntity[entity])
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
