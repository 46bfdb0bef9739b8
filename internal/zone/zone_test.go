package zone

import (
	"testing"
	"time"
)

func TestCoinZones_IsValid(t *testing.T) {
	now := time.Now().UTC()
	fresh := CoinZones{S1: 10, UpdatedAt: now}
	if !fresh.IsValid(120*time.Minute, now) {
		t.Fatal("expected fresh zone with S1 set to be valid")
	}

	stale := CoinZones{S1: 10, UpdatedAt: now.Add(-3 * time.Hour)}
	if stale.IsValid(120*time.Minute, now) {
		t.Fatal("expected zone older than staleness threshold to be invalid")
	}

	empty := CoinZones{UpdatedAt: now}
	if empty.IsValid(120*time.Minute, now) {
		t.Fatal("expected zone with no S1/R1 to be invalid")
	}
}

func TestExternalPush_ResolveBackfillsFromRZAvg(t *testing.T) {
	r1 := 110.0
	rzAvg := 105.0
	push := ExternalPush{Symbol: "FOOUSDT", R1: &r1, RZAvg: &rzAvg}

	z := push.Resolve(time.Now().UTC())

	want := 2*rzAvg - r1 // 100
	if z.S1 != want {
		t.Fatalf("expected S1=%v backfilled from rz_avg symmetry, got %v", want, z.S1)
	}
}

func TestSnapDCALevels_ZoneClaimsOneFavorableLevel(t *testing.T) {
	z := CoinZones{S1: 90, UpdatedAt: time.Now().UTC(), Source: SourceExternal}
	spacing := []float64{0, 5, 11, 18}
	filled := []bool{true, false, false, false}

	levels := SnapDCALevels(100, spacing, z, true, "long", 2.0, 0.2, filled)

	if levels[0].Source != "entry" {
		t.Fatalf("expected level 0 to be entry, got %s", levels[0].Source)
	}
	if levels[1].Source != "zone" {
		t.Fatalf("expected level 1 (first unfilled) to claim the zone, got %s", levels[1].Source)
	}
	if levels[2].Source != "fixed" {
		t.Fatalf("expected level 2 to fall back to fixed spacing once the zone is claimed, got %s", levels[2].Source)
	}
}

func TestSnapDCALevels_ZoneBelowMinPctFallsBackToFixed(t *testing.T) {
	z := CoinZones{S1: 99.5, UpdatedAt: time.Now().UTC(), Source: SourceExternal} // 0.5% away
	spacing := []float64{0, 5, 11}
	filled := []bool{true, false, false}

	levels := SnapDCALevels(100, spacing, z, true, "long", 2.0, 0.2, filled)

	if levels[1].Source != "fixed" {
		t.Fatalf("expected zone within snap_min_pct to be rejected, got %s", levels[1].Source)
	}
}

func TestSnapDCALevels_FilledLevelsNeverConsumeZone(t *testing.T) {
	z := CoinZones{S1: 80, UpdatedAt: time.Now().UTC(), Source: SourceExternal}
	spacing := []float64{0, 5, 11}
	filled := []bool{true, true, false}

	levels := SnapDCALevels(100, spacing, z, true, "long", 2.0, 0.2, filled)

	if levels[1].Source != "filled" {
		t.Fatalf("expected level 1 to stay filled, got %s", levels[1].Source)
	}
	if levels[2].Source != "zone" {
		t.Fatalf("expected level 2 to claim the zone since level 1 was already filled, got %s", levels[2].Source)
	}
}

func TestCalcSwingZones_InsufficientCandlesReturnsFalse(t *testing.T) {
	_, ok := CalcSwingZones(make([]Candle, 3), 5)
	if ok {
		t.Fatal("expected insufficient candle window to report ok=false")
	}
}
