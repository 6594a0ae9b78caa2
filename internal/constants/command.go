package constants

import "time"

// Feed modes understood by the device on both the feed and mode topics.
const (
	// ModeManual is a feeding triggered by a user.
	ModeManual = "manual"
	// ModeAuto is a feeding triggered by the schedule engine.
	ModeAuto = "auto"
)

const (
	DefaultPublishTimeout = 5 * time.Second
	DefaultCommandQOS     = 1
)

// IsValidMode reports whether mode is a token the device accepts.
func IsValidMode(mode string) bool {
	return mode == ModeManual || mode == ModeAuto
}
