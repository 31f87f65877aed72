package models

import "time"

// BloomStatus is the reported state of a street's cherry blossoms.
type BloomStatus string

const (
	StatusBlooming BloomStatus = "blooming"
	StatusUnknown  BloomStatus = "unknown"
)

// Valid reports whether s is one of the accepted statuses.
func (s BloomStatus) Valid() bool {
	return s == StatusBlooming || s == StatusUnknown
}

// DefaultReporter is attached to every report; submissions are anonymous.
const DefaultReporter = "Anonymous"

// BloomReport is one user-submitted observation for a street. Reports are
// append-only facts: once persisted they are never updated or deleted, and the
// current status of a street is always the most recent report.
type BloomReport struct {
	ID           int64       `json:"id,omitempty"`
	Street       string      `json:"street"`
	Status       BloomStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
	Reporter     string      `json:"reporter,omitempty"`
	Neighborhood string      `json:"neighborhood"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	TreeCount    int         `json:"treeCount"`
}

// StreetStatus is the derived current status of a street: the latest report
// joined with the street's tree count, or a bare unknown when nothing has been
// reported yet.
type StreetStatus struct {
	Street       string      `json:"street,omitempty"`
	Status       BloomStatus `json:"status"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Reporter     string      `json:"reporter,omitempty"`
	Neighborhood string      `json:"neighborhood,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	TreeCount    int         `json:"treeCount,omitempty"`
}

// UnknownStreetStatus is what callers get for streets with no recorded report.
func UnknownStreetStatus() StreetStatus {
	return StreetStatus{Status: StatusUnknown}
}

// NeighborhoodStats aggregates the current status of every street in a
// neighborhood. Streets with no report count as unknown. Error carries a
// marker when the aggregate query failed benignly (counts are then zero).
type NeighborhoodStats struct {
	TotalStreets  int        `json:"total_streets"`
	BloomingCount int        `json:"blooming_count"`
	UnknownCount  int        `json:"unknown_count"`
	LastUpdated   *time.Time `json:"last_updated"`
	Error         string     `json:"error,omitempty"`
}
