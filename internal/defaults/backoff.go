package defaults

import "time"

const (
	pathPollInitial = 50 * time.Millisecond
	pathPollCap     = 500 * time.Millisecond
)

// PathPollStart returns the initial sleep interval for path/identity polling.
func PathPollStart() time.Duration {
	return pathPollInitial
}

// NextPathPoll grows a path/identity polling interval by half and clamps it.
//
// Polling starts fast so a warm path table answers quickly, then backs off to
// avoid spinning while the network resolves a cold path.
func NextPathPoll(cur time.Duration) time.Duration {
	if cur <= 0 {
		return pathPollInitial
	}
	next := cur + cur/2
	if next > pathPollCap {
		return pathPollCap
	}
	return next
}
