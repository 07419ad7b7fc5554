package bridge

import (
	"context"
	"testing"
)

func TestSelectTwoParticipantSameRegion(t *testing.T) {
	b1 := NewBridge("b1", "eu")
	b2 := NewBridge("b2", "eu")
	b3 := NewBridge("b3", "us")
	candidates := []*Bridge{b1, b2, b3}

	sel := NewIntraRegionSelector(80, -1)
	ctx := context.Background()

	chosen, err := sel.Select(ctx, candidates, nil, nil, Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if chosen.ID != "b1" {
		t.Fatalf("Select() = %s, want b1 (first eligible eu bridge)", chosen.ID)
	}

	conferenceBridges := []*Bridge{b1}
	counts := map[string]int{"b1": 1}
	chosen2, err := sel.Select(ctx, candidates, conferenceBridges, counts, Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Select() second participant error = %v", err)
	}
	if chosen2.ID != "b1" {
		t.Fatalf("Select() second participant = %s, want b1", chosen2.ID)
	}
}

func TestSelectCascadeAcrossRegions(t *testing.T) {
	b1 := NewBridge("b1", "eu")
	b3 := NewBridge("b3", "us")
	candidates := []*Bridge{b1, b3}

	sel := NewIntraRegionSelector(80, -1)
	ctx := context.Background()

	conferenceBridges := []*Bridge{b1}
	counts := map[string]int{"b1": 1}

	chosen, err := sel.Select(ctx, candidates, conferenceBridges, counts, Participant{Region: "us"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if chosen.ID != "b3" {
		t.Fatalf("Select() for us participant = %s, want b3", chosen.ID)
	}
}

func TestSelectNeverReturnsOverloadedUnlessAllOverloaded(t *testing.T) {
	b1 := NewBridge("b1", "eu")
	b1.SetStress(100)
	b2 := NewBridge("b2", "eu")
	b2.SetStress(0)

	sel := NewIntraRegionSelector(80, -1)
	ctx := context.Background()

	chosen, err := sel.Select(ctx, []*Bridge{b1, b2}, nil, nil, Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if chosen.ID != "b2" {
		t.Fatalf("Select() = %s, want b2 (the non-overloaded one)", chosen.ID)
	}
}

func TestSelectFailsWhenNoSuitableBridge(t *testing.T) {
	b1 := NewBridge("b1", "eu")
	b1.SetStress(100)

	sel := NewIntraRegionSelector(80, -1)
	ctx := context.Background()

	_, err := sel.Select(ctx, []*Bridge{b1}, nil, nil, Participant{Region: "eu"})
	if err != ErrNoSuitableBridge {
		t.Fatalf("Select() error = %v, want ErrNoSuitableBridge", err)
	}
}

func TestSelectRespectsMaxParticipantsPerBridge(t *testing.T) {
	b1 := NewBridge("b1", "eu")
	b2 := NewBridge("b2", "eu")

	sel := NewIntraRegionSelector(80, 1)
	ctx := context.Background()

	conferenceBridges := []*Bridge{b1}
	counts := map[string]int{"b1": 1}

	chosen, err := sel.Select(ctx, []*Bridge{b1, b2}, conferenceBridges, counts, Participant{Region: "eu"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if chosen.ID != "b2" {
		t.Fatalf("Select() = %s, want b2 once b1 is at capacity", chosen.ID)
	}
}

func TestBridgeHealthThresholds(t *testing.T) {
	b := NewBridge("b1", "eu")

	for i := 0; i < UnhealthyThreshold; i++ {
		b.ReportFailure()
	}
	if b.Operational() {
		t.Fatalf("bridge still operational after %d failures", UnhealthyThreshold)
	}

	for i := 0; i < HealthyThreshold; i++ {
		b.ReportSuccess()
	}
	if !b.Operational() {
		t.Fatalf("bridge not restored operational after %d successes", HealthyThreshold)
	}
}
