package utils

import "github.com/google/uuid"

// GenTempID returns the local identifier assigned to an optimistic
// message before the transport confirms it.
func GenTempID() string {
	return "tmp-" + uuid.NewString()
}
