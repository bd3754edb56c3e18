// Package util provides utility functions for the ListHit dispatch engine.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; these IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateJobID generates a unique queue job ID with "qj_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("qj_", 32)
}

// GenerateMessageID generates a unique conversation message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 32)
}

// GenerateThreadID generates a unique conversation thread ID with "th_" prefix.
func GenerateThreadID() string {
	return GenerateRandomID("th_", 32)
}

// GenerateCampaignID generates a unique campaign ID with "cmp_" prefix.
func GenerateCampaignID() string {
	return GenerateRandomID("cmp_", 32)
}
