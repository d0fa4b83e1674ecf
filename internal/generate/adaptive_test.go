package generate

import (
	"math"
	"testing"

	"drillforge/internal/config"
)

func testTuning() config.GenerationConfig {
	return config.Default().Generation
}

// almostEqual guards float comparisons against accumulation error in the
// threshold arithmetic (0.85 - 0.05 is not exactly 0.80 in float64).
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNextParamsThresholdByProgress(t *testing.T) {
	tun := testTuning()
	cases := []struct {
		progress float64
		want     float64
	}{
		{0.0, 0.85},
		{0.29, 0.85},
		{0.3, 0.80},
		{0.59, 0.80},
		{0.6, 0.77},
		{0.84, 0.77},
		{0.85, 0.73},
		{1.0, 0.73},
	}
	for _, tc := range cases {
		got := NextParams(tc.progress, 0, tun)
		if got.Threshold != tc.want {
			t.Errorf("NextParams(%v, 0).Threshold = %v, want %v", tc.progress, got.Threshold, tc.want)
		}
	}
}

func TestNextParamsRelaxation(t *testing.T) {
	tun := testTuning()
	cases := []struct {
		name     string
		progress float64
		failures int
		want     float64
	}{
		{"no relaxation below 5", 0.0, 4, 0.85},
		{"first relaxation at 5", 0.0, 5, 0.80},
		{"still first tier at 7", 0.0, 7, 0.80},
		{"deeper relaxation at 8", 0.0, 8, 0.78},
		{"first-tier floor", 1.0, 5, 0.70},  // 0.73 - 0.05 = 0.68, floored at 0.70
		{"deeper-tier floor", 1.0, 8, 0.68}, // 0.73 - 0.07 = 0.66, floored at 0.68
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextParams(tc.progress, tc.failures, tun)
			if !almostEqual(got.Threshold, tc.want) {
				t.Errorf("Threshold = %v, want %v", got.Threshold, tc.want)
			}
		})
	}
}

func TestNextParamsEscalation(t *testing.T) {
	tun := testTuning()

	base := NextParams(0, 0, tun)
	if base.Temperature != 0.9 || base.TopP != 0.95 || base.TopK != 60 {
		t.Errorf("base params = %+v, want 0.9/0.95/60", base)
	}

	p3 := NextParams(0, 3, tun)
	if !almostEqual(p3.Temperature, 1.05) {
		t.Errorf("Temperature at c=3 = %v, want 1.05", p3.Temperature)
	}
	if p3.TopK != 75 {
		t.Errorf("TopK at c=3 = %v, want 75", p3.TopK)
	}

	// Far past the caps, everything saturates.
	p50 := NextParams(0, 50, tun)
	if p50.Temperature != 1.3 || p50.TopP != 0.98 || p50.TopK != 100 {
		t.Errorf("capped params = %+v, want 1.3/0.98/100", p50)
	}
}

func TestNextParamsBounds(t *testing.T) {
	tun := testTuning()
	for _, progress := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
		for failures := 0; failures <= 30; failures++ {
			p := NextParams(progress, failures, tun)
			if p.Threshold < 0.68 || p.Threshold > 0.85 {
				t.Fatalf("Threshold(%v, %d) = %v out of [0.68, 0.85]", progress, failures, p.Threshold)
			}
			if p.Temperature < 0.9 || p.Temperature > 1.3 {
				t.Fatalf("Temperature(%v, %d) = %v out of [0.9, 1.3]", progress, failures, p.Temperature)
			}
			if p.TopP < 0.95 || p.TopP > 0.98 {
				t.Fatalf("TopP(%v, %d) = %v out of [0.95, 0.98]", progress, failures, p.TopP)
			}
			if p.TopK < 60 || p.TopK > 100 {
				t.Fatalf("TopK(%v, %d) = %v out of [60, 100]", progress, failures, p.TopK)
			}
		}
	}
}

func TestMaxAttempts(t *testing.T) {
	cases := []struct{ count, want int }{
		{1, 3},
		{5, 15},
		{10, 30},
		{11, 22},
		{50, 100},
	}
	for _, tc := range cases {
		if got := MaxAttempts(tc.count); got != tc.want {
			t.Errorf("MaxAttempts(%d) = %d, want %d", tc.count, got, tc.want)
		}
	}
}
