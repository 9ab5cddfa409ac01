// Package clock abstracts time so backoff and TTL logic stay testable.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}
