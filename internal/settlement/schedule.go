// Package settlement implements delayed settlement of provider shares: the
// holding-period schedule, the fee split, classification of remote
// failures, the scheduler that drives due transfer records through the
// payment processor, and the operator overrides.
package settlement

import (
	"time"
)

const day = 24 * time.Hour

// DelayTable answers the minimum holding period per jurisdiction.
type DelayTable interface {
	MinimumDelayDays(jurisdiction string) int
}

// PaymentAgingDays is the number of whole days between the payment and
// the start of the session.  Payments taken after the session started age
// zero days.
func PaymentAgingDays(paymentTime, sessionStart time.Time) int {
	d := sessionStart.Sub(paymentTime)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}

// RemainingDelayDays shortens the required holding period by the time the
// money already sat with the platform, but never below one day.
func RemainingDelayDays(requiredDays, agingDays int) int {
	if r := requiredDays - agingDays; r > 1 {
		return r
	}
	return 1
}

// ScheduledTransferTime is the earliest time the provider's share may be
// sent: the session end plus the remaining delay.
func ScheduledTransferTime(paymentTime, sessionStart, sessionEnd time.Time, requiredDays int) time.Time {
	remaining := RemainingDelayDays(requiredDays, PaymentAgingDays(paymentTime, sessionStart))
	return sessionEnd.UTC().Add(time.Duration(remaining) * day)
}
