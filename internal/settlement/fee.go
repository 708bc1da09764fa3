package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when the amounts of a booking cannot be
// split into a positive provider share.
var ErrInvalidAmount = errors.New("invalid amount split")

// SplitAmount returns the platform fee and the provider share of total.
// An explicit fee wins; otherwise the fee is total*rate rounded half-up to
// whole minor units.  The share is always positive and share+fee==total.
func SplitAmount(total int64, explicitFee *int64, rate decimal.Decimal) (fee, share int64, err error) {
	if total <= 0 {
		return 0, 0, fmt.Errorf("%w: total %d must be positive", ErrInvalidAmount, total)
	}
	if explicitFee != nil {
		fee = *explicitFee
	} else {
		fee = decimal.NewFromInt(total).Mul(rate).Round(0).IntPart()
	}
	if fee < 0 || fee >= total {
		return 0, 0, fmt.Errorf("%w: fee %d outside [0, %d)", ErrInvalidAmount, fee, total)
	}
	return fee, total - fee, nil
}
