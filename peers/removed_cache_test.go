package peers

import "testing"

func TestRemovedCacheAddAndContains(t *testing.T) {
	c := NewRemovedCache(3)
	c.Add("1.1.1.1")
	if !c.Contains("1.1.1.1") {
		t.Fatal("expected cache to contain added ip")
	}
	if c.Contains("2.2.2.2") {
		t.Fatal("expected cache to not contain unrelated ip")
	}
}

func TestRemovedCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewRemovedCache(2)
	c.Add("1.1.1.1")
	c.Add("2.2.2.2")
	c.Add("3.3.3.3")
	if c.Contains("1.1.1.1") {
		t.Fatal("expected oldest entry to be evicted")
	}
	if !c.Contains("2.2.2.2") || !c.Contains("3.3.3.3") {
		t.Fatal("expected two most recent entries to remain")
	}
}

func TestRemovedCacheShrinkBothEndsNoopBelowTwo(t *testing.T) {
	c := NewRemovedCache(5)
	c.ShrinkBothEnds()
	if c.Len() != 0 {
		t.Fatalf("expected no-op on empty cache, got len %d", c.Len())
	}
	c.Add("1.1.1.1")
	c.ShrinkBothEnds()
	if c.Len() != 1 {
		t.Fatalf("expected no-op on single-entry cache, got len %d", c.Len())
	}
}

func TestRemovedCacheShrinkBothEndsDropsBoth(t *testing.T) {
	c := NewRemovedCache(5)
	c.Add("1.1.1.1")
	c.Add("2.2.2.2")
	c.Add("3.3.3.3")
	c.ShrinkBothEnds()
	if c.Contains("1.1.1.1") || c.Contains("3.3.3.3") {
		t.Fatal("expected both oldest and newest to be dropped")
	}
	if !c.Contains("2.2.2.2") {
		t.Fatal("expected middle entry to survive")
	}
	if c.Len() != 1 {
		t.Fatalf("expected len 1, got %d", c.Len())
	}
}
