package util

import (
	"github.com/google/uuid"
)

// NormalizeUUID returns the canonical lowercase form of s, or false if s is
// not a UUID.
func NormalizeUUID(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func IsValidUUID(s string) bool {
	_, ok := NormalizeUUID(s)
	return ok
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
