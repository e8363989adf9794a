package models

import "time"

// WatermarkBuffer is subtracted from the newest absorbed timestamp to tolerate
// same-second writes.
const WatermarkBuffer = time.Second

// LocalIdentity is the identity used when no account is signed in.
const LocalIdentity = "local"

// Watermark is the boundary up to which a replica has absorbed a collection.
type Watermark struct {
	Identity   string     `json:"identity"`
	Collection Collection `json:"collection"`
	At         time.Time  `json:"at"`
}

// WatermarkFor computes the buffered watermark for a batch whose newest change is at latest.
func WatermarkFor(latest time.Time) time.Time {
	if latest.IsZero() {
		return time.Time{}
	}
	return latest.Add(-WatermarkBuffer).UTC()
}
