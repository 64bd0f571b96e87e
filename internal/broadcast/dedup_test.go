package broadcast

import "testing"

func TestDedupCache(t *testing.T) {
	c := newDedupCache()

	if c.Contains("sid:m1") {
		t.Error("empty cache must not contain anything")
	}

	c.Add("sid:m1")
	if !c.Contains("sid:m1") {
		t.Error("expected m1 to be cached")
	}
	if c.Contains("sid:m2") {
		t.Error("m2 was never added")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}

	c.Prune()
	if !c.Contains("sid:m1") {
		t.Error("prune must keep entries inside the TTL")
	}
}
