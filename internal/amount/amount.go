// Package amount implements safe, round-trip-checked conversion between
// human-readable amounts and smallest-unit integer amounts.
//
// The wire shape for money is always a nonnegative integer string in the
// token's smallest unit. Human-readable amounts exist only at this boundary,
// and every amount must pass ValidateAmountConversion before it is attached
// to any fund-moving operation.
package amount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayDecimals is the fixed display precision for formatted amounts.
// FormatAmount truncates to this many fractional digits, so formatting is
// lossy, and round-trip comparison happens at this precision.
const DisplayDecimals = 4

// DataIntegrityError reports an amount that failed conversion or round-trip
// validation. It is hard and non-recoverable: the caller must not proceed to
// build a transaction.
type DataIntegrityError struct {
	Op       string
	Token    string
	Decimals int
	Want     string
	Got      string
	Detail   string
}

func (e *DataIntegrityError) Error() string {
	msg := fmt.Sprintf("amount integrity: %s failed for %s (decimals=%d)", e.Op, e.Token, e.Decimals)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Want != "" || e.Got != "" {
		msg += fmt.Sprintf(" (want %q, got %q)", e.Want, e.Got)
	}
	return msg
}

// ParseAmount converts a human-readable amount into a smallest-unit integer
// string. decimals must be the token's actual precision; a missing (zero or
// negative) value is a DataIntegrityError because guessing precision for
// money is never safe. Extra fractional digits beyond decimals are truncated,
// matching the lossy display policy.
func ParseAmount(humanAmount string, decimals int, tokenSymbol string) (string, error) {
	if decimals <= 0 {
		return "", &DataIntegrityError{
			Op:       "parse",
			Token:    tokenSymbol,
			Decimals: decimals,
			Detail:   "token decimals missing",
		}
	}

	humanAmount = strings.TrimSpace(humanAmount)
	d, err := decimal.NewFromString(humanAmount)
	if err != nil {
		return "", &DataIntegrityError{
			Op:       "parse",
			Token:    tokenSymbol,
			Decimals: decimals,
			Detail:   fmt.Sprintf("unparseable amount %q", humanAmount),
		}
	}
	if d.IsNegative() {
		return "", &DataIntegrityError{
			Op:       "parse",
			Token:    tokenSymbol,
			Decimals: decimals,
			Detail:   fmt.Sprintf("negative amount %q", humanAmount),
		}
	}

	smallest := d.Truncate(int32(decimals)).Shift(int32(decimals))
	return smallest.String(), nil
}

// FormatAmount converts a smallest-unit integer string back into a
// human-readable amount, truncated (never rounded) to DisplayDecimals.
func FormatAmount(smallestUnit string, decimals int) (string, error) {
	if decimals <= 0 {
		return "", &DataIntegrityError{
			Op:       "format",
			Decimals: decimals,
			Detail:   "token decimals missing",
		}
	}

	smallestUnit = strings.TrimSpace(smallestUnit)
	d, err := decimal.NewFromString(smallestUnit)
	if err != nil || !d.IsInteger() || d.IsNegative() {
		return "", &DataIntegrityError{
			Op:       "format",
			Decimals: decimals,
			Detail:   fmt.Sprintf("not a nonnegative integer amount %q", smallestUnit),
		}
	}

	prec := displayPrecision(decimals)
	human := d.Shift(int32(-decimals)).Truncate(prec)
	return human.StringFixed(prec), nil
}

// ValidateAmountConversion is the single safety gate every amount must pass
// before being attached to a fund-moving operation. It reformats parsedAmount
// and compares it, normalized to display precision, against the original
// humanAmount. Comparison happens at display precision rather than raw
// integer equality because FormatAmount truncates; exact-integer
// comparison would reject legitimate amounts.
func ValidateAmountConversion(humanAmount, parsedAmount string, decimals int, tokenSymbol string) error {
	reformatted, err := FormatAmount(parsedAmount, decimals)
	if err != nil {
		return err
	}

	orig, err := decimal.NewFromString(strings.TrimSpace(humanAmount))
	if err != nil {
		return &DataIntegrityError{
			Op:       "validate",
			Token:    tokenSymbol,
			Decimals: decimals,
			Detail:   fmt.Sprintf("unparseable original amount %q", humanAmount),
		}
	}
	formatted, err := decimal.NewFromString(reformatted)
	if err != nil {
		return &DataIntegrityError{
			Op:       "validate",
			Token:    tokenSymbol,
			Decimals: decimals,
			Detail:   fmt.Sprintf("unparseable reformatted amount %q", reformatted),
		}
	}

	prec := displayPrecision(decimals)
	if !orig.Truncate(prec).Equal(formatted.Truncate(prec)) {
		return &DataIntegrityError{
			Op:       "validate",
			Token:    tokenSymbol,
			Decimals: decimals,
			Want:     orig.Truncate(prec).StringFixed(prec),
			Got:      reformatted,
			Detail:   "round-trip mismatch",
		}
	}
	return nil
}

// displayPrecision caps display digits at the token's own precision so a
// 2-decimal token never grows phantom digits.
func displayPrecision(decimals int) int32 {
	if decimals < DisplayDecimals {
		return int32(decimals)
	}
	return DisplayDecimals
}
