// Package clock abstracts time for calendar-driven jobs.
package clock

import "time"

type Clock interface {
	Now() time.Time
}
