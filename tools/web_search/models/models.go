package models

import (
	"fmt"
	"time"
)

// Result is one search hit.
type Result struct {
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Snippet   string     `json:"snippet"`
	Source    string     `json:"source,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Score     float64    `json:"score,omitempty"`
}

// StatusError is returned when a search API answers with a non-2xx status.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s search: status %d: %s", e.Provider, e.Status, e.Body)
}

// Recency windows in days, shared by providers that only support coarse buckets.
const (
	Day   = 1
	Week  = 7
	Month = 31
)
