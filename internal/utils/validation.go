package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ValidatePriority checks if priority is within valid range (0-9)
func ValidatePriority(priority int) error {
	if priority < 0 || priority > 9 {
		return ErrInvalidPriority(priority)
	}
	return nil
}

// ParsePriorityFlag parses a --priority value. Empty clears the priority.
func ParsePriorityFlag(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	p, err := strconv.Atoi(value)
	if err != nil {
		return "", fmt.Errorf("priority must be a number: %w", err)
	}
	if err := ValidatePriority(p); err != nil {
		return "", err
	}
	return strconv.Itoa(p), nil
}

// ParseDateFlag parses a date string in ISO format (YYYY-MM-DD).
// Returns nil for empty strings (used to clear dates).
func ParseDateFlag(dateStr string) (*time.Time, error) {
	if dateStr == "" {
		return nil, nil
	}

	parsedDate, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}

	return &parsedDate, nil
}
