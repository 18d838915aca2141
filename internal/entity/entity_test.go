package entity

import (
	"errors"
	"testing"
)

func TestNewDetectedEntity(t *testing.T) {
	const docLen = 100

	t.Run("ValidSpan", func(t *testing.T) {
		e, err := NewDetectedEntity(TypePhone, "0912-345-678", 10, 22, 0.95, docLen)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if e.Length() != 12 {
			t.Errorf("Expected length 12, got %d", e.Length())
		}
	})

	t.Run("ReversedOffsets", func(t *testing.T) {
		_, err := NewDetectedEntity(TypeName, "x", 20, 10, 0.5, docLen)
		var spanErr *InvalidSpanError
		if !errors.As(err, &spanErr) {
			t.Fatalf("Expected InvalidSpanError, got %v", err)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		_, err := NewDetectedEntity(TypeName, "x", 90, 110, 0.5, docLen)
		var spanErr *InvalidSpanError
		if !errors.As(err, &spanErr) {
			t.Fatalf("Expected InvalidSpanError, got %v", err)
		}
	})

	t.Run("NegativeStart", func(t *testing.T) {
		_, err := NewDetectedEntity(TypeName, "x", -1, 5, 0.5, docLen)
		if err == nil {
			t.Fatal("Expected error for negative start offset")
		}
	})

	t.Run("ConfidenceOutOfRange", func(t *testing.T) {
		for _, conf := range []float64{-0.1, 1.1} {
			_, err := NewDetectedEntity(TypeEmail, "a@b.c", 0, 5, conf, docLen)
			if err == nil {
				t.Errorf("Expected error for confidence %f", conf)
			}
		}
	})

	t.Run("ZeroWidthSpan", func(t *testing.T) {
		_, err := NewDetectedEntity(TypeName, "", 5, 5, 0.5, docLen)
		if err == nil {
			t.Fatal("Expected error for zero-width span")
		}
	})
}

func TestOverlaps(t *testing.T) {
	a := DetectedEntity{Start: 10, End: 20}

	cases := []struct {
		name    string
		other   DetectedEntity
		overlap bool
	}{
		{"Disjoint", DetectedEntity{Start: 20, End: 30}, false},
		{"Contained", DetectedEntity{Start: 12, End: 18}, true},
		{"PartialLeft", DetectedEntity{Start: 5, End: 11}, true},
		{"PartialRight", DetectedEntity{Start: 19, End: 25}, true},
		{"Before", DetectedEntity{Start: 0, End: 10}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.Overlaps(tc.other); got != tc.overlap {
				t.Errorf("Overlaps(%v) = %v, want %v", tc.other, got, tc.overlap)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		for _, name := range []string{"redact", "generalize", "pseudonymize", "date_shift", "partial_mask", "suppress"} {
			if _, err := ParseStrategy(name); err != nil {
				t.Errorf("ParseStrategy(%q) failed: %v", name, err)
			}
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := ParseStrategy("rot13")
		var unsupported *UnsupportedStrategyError
		if !errors.As(err, &unsupported) {
			t.Fatalf("Expected UnsupportedStrategyError, got %v", err)
		}
	})
}

func TestMaskingConfigResolution(t *testing.T) {
	cfg := MaskingConfig{
		DefaultStrategy: StrategyPseudonymize,
		Policies: map[SensitiveType]TypePolicy{
			TypePhone:            {Enabled: true, Strategy: StrategyPartialMask, Params: StrategyParams{KeepPrefix: 3}},
			TypeAgeOverThreshold: {Enabled: false},
		},
	}

	t.Run("PerTypeOverride", func(t *testing.T) {
		strategy, params := cfg.StrategyFor(TypePhone)
		if strategy != StrategyPartialMask {
			t.Errorf("Expected partial_mask, got %s", strategy)
		}
		if params.KeepPrefix != 3 {
			t.Errorf("Expected KeepPrefix 3, got %d", params.KeepPrefix)
		}
	})

	t.Run("JobDefault", func(t *testing.T) {
		strategy, _ := cfg.StrategyFor(TypeEmail)
		if strategy != StrategyPseudonymize {
			t.Errorf("Expected job default pseudonymize, got %s", strategy)
		}
	})

	t.Run("GlobalDefault", func(t *testing.T) {
		empty := MaskingConfig{}
		strategy, _ := empty.StrategyFor(TypeEmail)
		if strategy != StrategyRedact {
			t.Errorf("Expected global default redact, got %s", strategy)
		}
	})

	t.Run("DisabledType", func(t *testing.T) {
		if cfg.TypeEnabled(TypeAgeOverThreshold) {
			t.Error("Expected age_over_threshold to be disabled")
		}
		if !cfg.TypeEnabled(TypeEmail) {
			t.Error("Types without a policy should be enabled")
		}
	})
}

func TestMaskingConfigClone(t *testing.T) {
	cfg := DefaultMaskingConfig()
	clone := cfg.Clone()

	clone.Policies[TypePhone] = TypePolicy{Enabled: false}
	if !cfg.TypeEnabled(TypePhone) {
		t.Error("Mutating clone policies must not affect the original")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobPending.Terminal() || JobProcessing.Terminal() {
		t.Error("pending/processing must not be terminal")
	}
	if !JobCompleted.Terminal() || !JobFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
}
