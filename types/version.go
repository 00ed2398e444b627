package types

import "github.com/google/uuid"

// Version is the canonical project version.
// CLI and wire contract share this version per the lockstep versioning policy.
const Version = "0.2.0"

// NewEpochToken mints a fresh epoch token. The sink side calls this when it
// loses continuity with a previous consumption attempt; clients only ever
// echo tokens back, starting from the empty string.
func NewEpochToken() string {
	return uuid.NewString()
}
