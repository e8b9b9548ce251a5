package upstream

// SearchResult is the body of GET /search/artists.
type SearchResult struct {
	Type         string   `json:"type"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Page         int      `json:"page"`
	Total        int      `json:"total"`
	Artists      []Artist `json:"artist"`
}

// Artist is a setlist.fm artist as returned by search and GET /artist/{mbid}.
type Artist struct {
	MBID           string `json:"mbid"`
	Name           string `json:"name"`
	SortName       string `json:"sortName,omitempty"`
	Disambiguation string `json:"disambiguation,omitempty"`
	URL            string `json:"url,omitempty"`
}

// SetlistPage is one page of GET /artist/{mbid}/setlists.
// A 404 from the upstream decodes to the zero page: no items and no total.
type SetlistPage struct {
	Type         string    `json:"type"`
	ItemsPerPage int       `json:"itemsPerPage"`
	Page         int       `json:"page"`
	Total        *int      `json:"total"`
	Setlists     []Setlist `json:"setlist"`
}

// Setlist is a raw upstream item. Optional parts are pointers so that a
// missing field can be told apart from a zero value.
type Setlist struct {
	ID        string  `json:"id"`
	EventDate string  `json:"eventDate"`
	URL       string  `json:"url"`
	Artist    Artist  `json:"artist"`
	Venue     *Venue  `json:"venue"`
	Sets      SetList `json:"sets"`
}

// SetList wraps the upstream "sets" object.
type SetList struct {
	Set []Set `json:"set"`
}

// Set is one set (main set, encore, ...) of a performance.
type Set struct {
	Name   string `json:"name,omitempty"`
	Encore int    `json:"encore,omitempty"`
	Song   []Song `json:"song"`
}

// Song is a single performed song.
type Song struct {
	Name string `json:"name"`
}

// Venue is where a setlist was performed.
type Venue struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	City *City  `json:"city"`
}

// City holds the location of a venue.
type City struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	StateCode string   `json:"stateCode,omitempty"`
	Coords    *Coords  `json:"coords"`
	Country   *Country `json:"country"`
}

// Coords are nil-able so that an absent latitude or longitude invalidates a record.
type Coords struct {
	Lat  *float64 `json:"lat"`
	Long *float64 `json:"long"`
}

// Country of a city.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
