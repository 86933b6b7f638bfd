package permcache

import (
	"testing"
	"time"
)

func TestShouldSynthesize_FirstSeenTrue(t *testing.T) {
	c := New()
	if !c.ShouldSynthesize("app1", "https://example.com/grant") {
		t.Fatal("expected first observation to synthesize")
	}
}

func TestShouldSynthesize_WithinCooldownFalse(t *testing.T) {
	c := New()
	c.ShouldSynthesize("app1", "https://example.com/grant")
	if c.ShouldSynthesize("app1", "https://example.com/grant") {
		t.Fatal("expected second observation within cooldown to suppress")
	}
}

func TestShouldSynthesize_AfterCooldownTrue(t *testing.T) {
	start := time.Now()
	c := New()
	c.now = func() time.Time { return start }
	c.ShouldSynthesize("app1", "https://example.com/grant")

	c.now = func() time.Time { return start.Add(cooldown + time.Second) }
	if !c.ShouldSynthesize("app1", "https://example.com/grant") {
		t.Fatal("expected observation past cooldown to synthesize again")
	}
}

func TestShouldSynthesize_EmptyAppIDUsesDefaultKey(t *testing.T) {
	c := New()
	c.ShouldSynthesize("", "https://example.com/grant")
	if c.ShouldSynthesize("", "https://example.com/grant") {
		t.Fatal("expected empty appId to share the default cooldown bucket")
	}
}

func TestShouldSynthesize_DifferentAppsIndependentCooldowns(t *testing.T) {
	c := New()
	c.ShouldSynthesize("app1", "https://example.com/grant1")
	if !c.ShouldSynthesize("app2", "https://example.com/grant2") {
		t.Fatal("expected a different appId to have its own cooldown")
	}
}
