// Package record defines the per-setlist unit streamed to subscribers and
// persisted per artist, and its projection from raw setlist.fm items.
package record

import (
	"encoding/json"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/upstream"
)

// upstreamDateLayout is the DD-MM-YYYY format setlist.fm uses for eventDate.
const upstreamDateLayout = "02-01-2006"

// isoDateLayout is the stored and broadcast date format.
const isoDateLayout = "2006-01-02"

// Record is a validated or invalid projection of one upstream setlist.
//
// An invalid record carries no fields besides IsValid. Invalid records are
// still persisted and broadcast so that counts reconcile against the
// upstream-reported total.
type Record struct {
	IsValid     bool    `json:"isValid"`
	EventDate   string  `json:"eventDate,omitempty"`
	VenueName   *string `json:"venueName"`
	CityName    *string `json:"cityName"`
	CityLat     float64 `json:"cityLat"`
	CityLong    float64 `json:"cityLong"`
	StateName   *string `json:"stateName"`
	CountryName *string `json:"countryName"`
	SourceURL   *string `json:"sourceUrl"`
	ItemCount   *int    `json:"itemCount"`
}

// Invalid returns the record used for upstream items missing a date or coordinates.
func Invalid() Record {
	return Record{IsValid: false}
}

// MarshalJSON writes invalid records as {"isValid":false}.
func (r Record) MarshalJSON() ([]byte, error) {
	if !r.IsValid {
		return []byte(`{"isValid":false}`), nil
	}
	type plain Record
	return json.Marshal(plain(r))
}

// URL returns the source URL or "" when unknown.
func (r Record) URL() string {
	if r.SourceURL == nil {
		return ""
	}
	return *r.SourceURL
}

// FromSetlist projects a raw upstream item into a Record.
func FromSetlist(raw upstream.Setlist) Record {
	date, ok := ISODate(raw.EventDate)
	if !ok {
		return Invalid()
	}

	var city *upstream.City
	if raw.Venue != nil {
		city = raw.Venue.City
	}
	if city == nil || city.Coords == nil || city.Coords.Lat == nil || city.Coords.Long == nil {
		return Invalid()
	}

	rec := Record{
		IsValid:   true,
		EventDate: date,
		CityLat:   *city.Coords.Lat,
		CityLong:  *city.Coords.Long,
		VenueName: optional(raw.Venue.Name),
		CityName:  optional(city.Name),
		StateName: optional(city.State),
		SourceURL: optional(raw.URL),
	}
	if city.Country != nil {
		rec.CountryName = optional(city.Country.Name)
	}

	songs := 0
	for _, set := range raw.Sets.Set {
		songs += len(set.Song)
	}
	// Zero songs means the setlist was never filled in, not an empty show.
	if songs > 0 {
		rec.ItemCount = &songs
	}

	return rec
}

// FromSetlists projects a page of raw items, preserving order.
func FromSetlists(raw []upstream.Setlist) []Record {
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		out = append(out, FromSetlist(item))
	}
	return out
}

// ISODate converts an upstream DD-MM-YYYY date to YYYY-MM-DD.
func ISODate(upstreamDate string) (string, bool) {
	if upstreamDate == "" {
		return "", false
	}
	t, err := time.Parse(upstreamDateLayout, upstreamDate)
	if err != nil {
		return "", false
	}
	return t.Format(isoDateLayout), true
}

// MostRecent returns the valid record with the greatest EventDate.
// ISO dates order lexicographically, so no parsing is needed.
func MostRecent(records []Record) (Record, bool) {
	var (
		best  Record
		found bool
	)
	for _, r := range records {
		if !r.IsValid || r.EventDate == "" {
			continue
		}
		if !found || r.EventDate > best.EventDate {
			best = r
			found = true
		}
	}
	return best, found
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
