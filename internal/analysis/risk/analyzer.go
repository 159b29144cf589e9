package risk

import (
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

// Level 表示交易的风险等级。
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// Flag names a single heuristic that fired.
type Flag string

const (
	FlagRawInstrument Flag = "raw-instrument"
	FlagLuhnFailed    Flag = "luhn-failed"
	FlagHolderMissing Flag = "holder-missing"
	FlagHighAmount    Flag = "high-amount"
	FlagExpiryInvalid Flag = "expiry-invalid"
	FlagExpired       Flag = "expired"
	FlagUnknownOrigin Flag = "unknown-origin"
	FlagRepeatedCodes Flag = "repeated-codes"
)

// HighAmountThreshold is expressed in minor currency units.
const HighAmountThreshold int64 = 100000

var flagWeights = map[Flag]int{
	FlagRawInstrument: 1,
	FlagLuhnFailed:    4,
	FlagHolderMissing: 1,
	FlagHighAmount:    2,
	FlagExpiryInvalid: 2,
	FlagExpired:       4,
	FlagUnknownOrigin: 1,
	FlagRepeatedCodes: 3,
}

// Signals are the facts the heuristics look at besides the payload.
type Signals struct {
	OriginHint   string
	CodeAttempts int
	Now          time.Time
}

// Assessment 汇总启发式规则的判断结果。
type Assessment struct {
	Level Level
	Score int
	Flags []Flag
}

// Analyze scores a payload with fixed heuristics.
func Analyze(payload session.Payload, signals Signals) Assessment {
	now := signals.Now
	if now.IsZero() {
		now = time.Now()
	}

	var flags []Flag
	digits, allDigits := digitsOf(payload.InstrumentRef)
	if allDigits && len(digits) >= 12 {
		// 明文卡号可以做 Luhn 校验；掩码卡号跳过。
		flags = append(flags, FlagRawInstrument)
		if !luhnValid(digits) {
			flags = append(flags, FlagLuhnFailed)
		}
	}
	if strings.TrimSpace(payload.HolderName) == "" {
		flags = append(flags, FlagHolderMissing)
	}
	if payload.Amount >= HighAmountThreshold {
		flags = append(flags, FlagHighAmount)
	}
	if expiry := strings.TrimSpace(payload.Expiry); expiry != "" {
		end, ok := parseExpiry(expiry)
		switch {
		case !ok:
			flags = append(flags, FlagExpiryInvalid)
		case now.After(end):
			flags = append(flags, FlagExpired)
		}
	}
	origin := strings.TrimSpace(signals.OriginHint)
	if origin == "" || origin == "unknown" {
		flags = append(flags, FlagUnknownOrigin)
	}
	if signals.CodeAttempts >= 3 {
		flags = append(flags, FlagRepeatedCodes)
	}

	score := 0
	for _, flag := range flags {
		score += flagWeights[flag]
	}

	return Assessment{Level: levelFor(score), Score: score, Flags: flags}
}

func levelFor(score int) Level {
	switch {
	case score >= 5:
		return High
	case score >= 2:
		return Medium
	default:
		return Low
	}
}

func digitsOf(ref string) (string, bool) {
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", false
		}
	}
	return b.String(), b.Len() > 0
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// parseExpiry accepts MM/YY and MM/YYYY and returns the first instant after
// the card's final valid month.
func parseExpiry(raw string) (time.Time, bool) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return time.Time{}, false
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, false
	}
	yearText := strings.TrimSpace(parts[1])
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return time.Time{}, false
	}
	switch len(yearText) {
	case 2:
		year += 2000
	case 4:
	default:
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC), true
}
