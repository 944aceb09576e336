// Package errs provides structured error types shared by the connectivity layer.
package errs

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Code identifies the failure category of an error envelope.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a venue-side rejection.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeDecode indicates a payload that could not be decoded or normalized.
	CodeDecode Code = "decode"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalMissingCredential indicates an authenticated stream was requested without credentials.
	CanonicalMissingCredential CanonicalCode = "missing_credential"
	// CanonicalUnsupportedStream indicates the account type cannot serve the requested stream.
	CanonicalUnsupportedStream CanonicalCode = "unsupported_stream"
	// CanonicalInsufficientBalance indicates a balance mutation would break the non-negative invariant.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalVenueRejected indicates the venue refused a trading request.
	CanonicalVenueRejected CanonicalCode = "venue_rejected"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E is the error envelope returned by connectors, sessions and the ledger.
type E struct {
	Exchange  string
	Code      Code
	Canonical CanonicalCode
	Message   string
	// RawCode and RawMsg carry the venue's own error payload when there is one.
	RawCode string
	RawMsg  string
	// Details holds venue identifiers such as instrument or account type.
	Details     map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New builds an envelope for exchange with the given code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{Exchange: strings.TrimSpace(exchange), Code: code, Canonical: CanonicalUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func WithMessage(message string) Option {
	message = strings.TrimSpace(message)
	return func(e *E) { e.Message = message }
}

func WithRemediation(hint string) Option {
	hint = strings.TrimSpace(hint)
	return func(e *E) { e.Remediation = hint }
}

func WithRawCode(code string) Option {
	code = strings.TrimSpace(code)
	return func(e *E) { e.RawCode = code }
}

func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the classification; a blank code leaves CanonicalUnknown.
func WithCanonicalCode(code CanonicalCode) Option {
	code = CanonicalCode(strings.TrimSpace(string(code)))
	return func(e *E) {
		if code == "" {
			code = CanonicalUnknown
		}
		e.Canonical = code
	}
}

// WithDetail records one venue identifier. Blank keys are dropped.
func WithDetail(key, value string) Option {
	key = strings.TrimSpace(key)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string)
		}
		e.Details[key] = strings.TrimSpace(value)
	}
}

// Error renders the envelope as space separated key=value pairs in a fixed order.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	field := func(key, value string, quote bool) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(key)
		b.WriteByte('=')
		if quote {
			value = strconv.Quote(value)
		}
		b.WriteString(value)
	}

	field("exchange", cmp.Or(e.Exchange, "unknown"), false)
	field("code", cmp.Or(strings.TrimSpace(string(e.Code)), "unknown"), false)
	if e.Canonical != CanonicalUnknown {
		field("canonical", string(e.Canonical), false)
	}
	field("message", e.Message, true)
	field("remediation", e.Remediation, true)
	field("raw_code", e.RawCode, true)
	field("raw_msg", e.RawMsg, true)
	if len(e.Details) > 0 {
		pairs := make([]string, 0, len(e.Details))
		for _, k := range slices.Sorted(maps.Keys(e.Details)) {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		field("details", strings.Join(pairs, ","), false)
	}
	if e.cause != nil {
		field("cause", e.cause.Error(), true)
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether the first envelope in err's chain carries code.
func Is(err error, code Code) bool {
	var target *E
	return errors.As(err, &target) && target.Code == code
}

// CanonicalOf returns the canonical classification of err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var target *E
	if !errors.As(err, &target) {
		return CanonicalUnknown
	}
	return target.Canonical
}

// MissingCredential reports an authenticated stream requested on a session without credentials.
func MissingCredential(exchange, stream string) *E {
	return New(exchange, CodeAuth,
		WithMessage(stream+" requires api credentials"),
		WithCanonicalCode(CanonicalMissingCredential),
		WithRemediation("configure api key and secret for this exchange"))
}

// UnsupportedStream reports a stream the configured account type cannot serve.
func UnsupportedStream(exchange, stream, accountType string) *E {
	return New(exchange, CodeInvalid,
		WithMessage(stream+" is not supported for "+accountType+" accounts"),
		WithCanonicalCode(CanonicalUnsupportedStream),
		WithDetail("account_type", accountType))
}
