package risk

import (
	"testing"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

var now = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func hasFlag(a Assessment, flag Flag) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestAnalyzeMaskedInstrumentIsLowRisk(t *testing.T) {
	a := Analyze(session.Payload{
		InstrumentRef: "411111XXXXXX1111",
		HolderName:    "Ada Lovelace",
		Amount:        28750,
		Expiry:        "12/27",
	}, Signals{OriginHint: "203.0.113.7", Now: now})

	if a.Level != Low || len(a.Flags) != 0 {
		t.Fatalf("expected clean low assessment, got %+v", a)
	}
}

func TestAnalyzeRawInstrumentFailingLuhn(t *testing.T) {
	a := Analyze(session.Payload{
		InstrumentRef: "4111 1111 1111 1112",
		HolderName:    "Ada Lovelace",
		Amount:        100,
	}, Signals{OriginHint: "203.0.113.7", Now: now})

	if !hasFlag(a, FlagRawInstrument) || !hasFlag(a, FlagLuhnFailed) {
		t.Fatalf("expected raw + luhn flags, got %+v", a.Flags)
	}
	if a.Level != High {
		t.Fatalf("expected high risk, got %s", a.Level)
	}
}

func TestAnalyzeValidLuhnPasses(t *testing.T) {
	a := Analyze(session.Payload{InstrumentRef: "4111111111111111", HolderName: "A", Amount: 100},
		Signals{OriginHint: "x", Now: now})
	if hasFlag(a, FlagLuhnFailed) {
		t.Fatalf("valid number flagged: %+v", a.Flags)
	}
}

func TestAnalyzeExpiryAndSignals(t *testing.T) {
	a := Analyze(session.Payload{
		InstrumentRef: "XXXX",
		Amount:        HighAmountThreshold,
		Expiry:        "01/2024",
	}, Signals{OriginHint: "unknown", CodeAttempts: 3, Now: now})

	for _, flag := range []Flag{FlagExpired, FlagHighAmount, FlagHolderMissing, FlagUnknownOrigin, FlagRepeatedCodes} {
		if !hasFlag(a, flag) {
			t.Fatalf("missing flag %s in %+v", flag, a.Flags)
		}
	}

	bad := Analyze(session.Payload{InstrumentRef: "XXXX", HolderName: "A", Amount: 1, Expiry: "13/25"},
		Signals{OriginHint: "x", Now: now})
	if !hasFlag(bad, FlagExpiryInvalid) {
		t.Fatalf("expected invalid expiry flag, got %+v", bad.Flags)
	}
}
