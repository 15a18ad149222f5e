// Package conformance runs the workflow scenarios against each embeddable store.
package conformance

import (
	"testing"
)

// TestConformance runs the full scenario suite.
func TestConformance(t *testing.T) {
	for _, store := range []string{"memory", "sqlite"} {
		t.Run(store, func(t *testing.T) {
			harness, err := NewHarness(Config{
				Store:       store,
				JWTIssuer:   "test-issuer",
				JWTAudience: "test-audience",
			})
			if err != nil {
				t.Fatalf("failed to create harness: %v", err)
			}
			defer harness.Close()

			harness.RunScenarios(t)

			if len(harness.Notifications()) == 0 {
				t.Error("no notifications were delivered")
			}
		})
	}
}
