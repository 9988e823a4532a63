package pool

import (
	"reflect"
	"testing"
)

func TestTagIndexAddRemove(t *testing.T) {
	x := NewTagIndex()
	if !x.Add("term-1", "m1") {
		t.Fatalf("first add should be new")
	}
	if x.Add("term-1", "m1") {
		t.Fatalf("second add must be a no-op")
	}
	x.Add("term-2", "m1")
	x.Add("term-1", "m2")

	if got := x.Entities("m1"); !reflect.DeepEqual(got, []string{"term-1", "term-2"}) {
		t.Fatalf("Entities(m1) = %v", got)
	}
	if got := x.Tags("term-1"); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Fatalf("Tags(term-1) = %v", got)
	}
	if !x.Remove("term-1", "m1") || x.Remove("term-1", "m1") {
		t.Fatalf("remove should report the link exactly once")
	}
	if x.Has("term-1", "m1") {
		t.Fatalf("link still present")
	}
	if got := x.Entities("m1"); !reflect.DeepEqual(got, []string{"term-2"}) {
		t.Fatalf("Entities(m1) after remove = %v", got)
	}
}

func TestTagHelpers(t *testing.T) {
	tags := AddTag(nil, "m1")
	tags = AddTag(tags, "m1")
	tags = AddTag(tags, "m2")
	if !reflect.DeepEqual(tags, []string{"m1", "m2"}) {
		t.Fatalf("AddTag = %v", tags)
	}
	if got := NormalizeTags([]string{"b", "", "a", "b"}); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("NormalizeTags = %v", got)
	}
}
