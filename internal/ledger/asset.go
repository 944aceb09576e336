// Package ledger maintains the authoritative positions and asset balances derived from
// canonical order updates.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/errs"
)

// Asset is the balance of one currency. Free and Locked never go negative; Borrowed may.
type Asset struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Locked   decimal.Decimal `json:"locked"`
}

// Total returns Free + Locked.
func (a Asset) Total() decimal.Decimal {
	return a.Free.Add(a.Locked)
}

// UpdateFree adds delta to Free. Positive deltas are acquisitions, negative ones disposals.
func (a *Asset) UpdateFree(delta decimal.Decimal) error {
	next := a.Free.Add(delta)
	if next.IsNegative() {
		return a.insufficient("free", delta)
	}
	a.Free = next
	return nil
}

// UpdateBorrowed adds delta to Borrowed and Free together: borrowing credits the free balance,
// repayment debits it.
func (a *Asset) UpdateBorrowed(delta decimal.Decimal) error {
	next := a.Free.Add(delta)
	if next.IsNegative() {
		return a.insufficient("free", delta)
	}
	a.Borrowed = a.Borrowed.Add(delta)
	a.Free = next
	return nil
}

// UpdateLocked adds delta to Locked. Placing an order locks, fills and cancels unlock.
func (a *Asset) UpdateLocked(delta decimal.Decimal) error {
	next := a.Locked.Add(delta)
	if next.IsNegative() {
		return a.insufficient("locked", delta)
	}
	a.Locked = next
	return nil
}

// SetValue overwrites the non-nil components with an account snapshot.
func (a *Asset) SetValue(free, borrowed, locked *decimal.Decimal) error {
	if (free != nil && free.IsNegative()) || (locked != nil && locked.IsNegative()) {
		return errs.New("", errs.CodeInvalid,
			errs.WithMessage("negative balance snapshot for "+a.Asset),
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	}
	if free != nil {
		a.Free = *free
	}
	if borrowed != nil {
		a.Borrowed = *borrowed
	}
	if locked != nil {
		a.Locked = *locked
	}
	return nil
}

func (a *Asset) insufficient(component string, delta decimal.Decimal) error {
	return errs.New("", errs.CodeInvalid,
		errs.WithMessage("insufficient "+component+" "+a.Asset+" for delta "+delta.String()),
		errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
}
