package models

import "time"

// Vancouver bounding box. Catalog records outside it (or with non-numeric
// coordinates) are discarded during aggregation.
const (
	MinLatitude  = 49.1
	MaxLatitude  = 49.4
	MinLongitude = -123.3
	MaxLongitude = -122.9
)

// InBounds reports whether the coordinate pair falls inside the Vancouver
// bounding box.
func InBounds(lat, lon float64) bool {
	return lat >= MinLatitude && lat <= MaxLatitude &&
		lon >= MinLongitude && lon <= MaxLongitude
}

// Tree is one record from the public street-tree catalog. The catalog is the
// source of truth; trees are read-only and never persisted by this system.
type Tree struct {
	TreeID       string  `json:"tree_id"`
	Street       string  `json:"std_street"`
	Genus        string  `json:"genus_name"`
	Species      string  `json:"species_name"`
	CommonName   string  `json:"common_name"`
	Neighborhood string  `json:"neighbourhood_name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

// Coordinates is a map point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LatestBloomReport points at the most recent blooming report attributed to a
// neighborhood on the summary map.
type LatestBloomReport struct {
	Street    string    `json:"street"`
	Timestamp time.Time `json:"timestamp"`
}

// NeighborhoodSummary is one row of the pipeline's output: a neighborhood,
// its cherry-tree count, the coordinate used to place it on the map (the
// street with the most trees), and its derived bloom state.
type NeighborhoodSummary struct {
	Name               string             `json:"name"`
	Count              int                `json:"count"`
	Coordinates        *Coordinates       `json:"coordinates,omitempty"`
	HasConfirmedBlooms bool               `json:"hasConfirmedBlooms,omitempty"`
	LatestBloomReport  *LatestBloomReport `json:"latestBloomReport,omitempty"`
}

// UserReport is the per-street report surfaced in the drill-down table.
type UserReport struct {
	Status    BloomStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Username  string      `json:"username"`
}

// StreetCount is one street in a neighborhood drill-down.
type StreetCount struct {
	Street      string      `json:"street"`
	Count       int         `json:"count"`
	BloomStatus BloomStatus `json:"bloomStatus"`
	UserReport  *UserReport `json:"userReport,omitempty"`
}
