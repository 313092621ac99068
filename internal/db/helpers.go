package db

import "time"

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseTime(value string) time.Time {
	t, _ := time.Parse(time.RFC3339, value)
	return t
}
