package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/orderbook"
)

// Decode unmarshals raw into v, wrapping failures as decode errors.
func Decode(exchange, what string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return DecodeError(exchange, what, err)
	}
	return nil
}

// DecodeError wraps a payload failure.
func DecodeError(exchange, what string, err error) error {
	return errs.New(exchange, errs.CodeDecode,
		errs.WithMessage("decode "+what),
		errs.WithCause(err))
}

// Float parses a decimal string as float64. An empty string is zero.
func Float(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return d.InexactFloat64(), nil
}

// Decimal parses an exact quantity. An empty string is zero.
func Decimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %q: %w", raw, err)
	}
	return d, nil
}

// Int parses an integer timestamp or id. An empty string is zero.
func Int(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
}

// Fields accumulates the first parse failure over a sequence of conversions.
type Fields struct {
	err error
}

// Float parses raw, remembering the first failure.
func (f *Fields) Float(raw string) float64 {
	v, err := Float(raw)
	f.keep(err)
	return v
}

// Decimal parses raw, remembering the first failure.
func (f *Fields) Decimal(raw string) decimal.Decimal {
	v, err := Decimal(raw)
	f.keep(err)
	return v
}

// Int parses raw, remembering the first failure.
func (f *Fields) Int(raw string) int64 {
	v, err := Int(raw)
	f.keep(err)
	return v
}

// Err returns the first failure.
func (f *Fields) Err() error {
	return f.err
}

func (f *Fields) keep(err error) {
	if f.err == nil && err != nil {
		f.err = err
	}
}

// Levels converts wire price levels ([price, size, ...]) to book levels.
func Levels(raw [][]string) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, orderbook.Level{Price: lvl[0], Size: lvl[1]})
	}
	return out
}

// Sign returns HMAC-SHA256(secret, payload).
func Sign(secret, payload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
