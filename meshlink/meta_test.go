package meshlink

import "testing"

func TestConnectionBurstLimiterAllowsConfiguredBurst(t *testing.T) {
	m := openTestMesh(t, "self")

	allowed := 0
	for i := 0; i < maxConnectionBurst+10; i++ {
		if m.connBurst.Allow() {
			allowed++
		}
	}
	if allowed != maxConnectionBurst {
		t.Fatalf("expected exactly %d accepts to be allowed in the initial burst, got %d", maxConnectionBurst, allowed)
	}
}
