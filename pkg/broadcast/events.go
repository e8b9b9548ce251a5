package broadcast

import "github.com/Sternrassler/setlist-stream/pkg/record"

// Message types on the wire.
const (
	TypeHello   = "hello"
	TypeUpdate  = "update"
	TypeGoodbye = "goodbye"
)

// Event is a message multicast to the subscribers of one channel.
type Event interface {
	Kind() string
}

// Hello is the first message every subscriber receives after joining.
// TotalExpected is null until the upstream reported a total.
type Hello struct {
	Type          string `json:"type"`
	SubjectID     string `json:"subjectId"`
	TotalExpected *int   `json:"totalExpected"`
}

// Update carries a batch of records. Offset is the number of records the
// fetch had produced before this batch; the join snapshot has offset 0.
type Update struct {
	Type          string          `json:"type"`
	Records       []record.Record `json:"records"`
	Offset        int             `json:"offset"`
	TotalExpected *int            `json:"totalExpected"`
}

// Goodbye is the terminal message of a fetch.
type Goodbye struct {
	Type         string `json:"type"`
	TotalRecords int    `json:"totalRecords"`
	HadError     bool   `json:"hadError"`
}

func (Hello) Kind() string   { return TypeHello }
func (Update) Kind() string  { return TypeUpdate }
func (Goodbye) Kind() string { return TypeGoodbye }

// NewHello builds a hello message.
func NewHello(subjectID string, totalExpected *int) Hello {
	return Hello{Type: TypeHello, SubjectID: subjectID, TotalExpected: totalExpected}
}

// NewUpdate builds an update message. A nil slice is sent as an empty array.
func NewUpdate(records []record.Record, offset int, totalExpected *int) Update {
	if records == nil {
		records = []record.Record{}
	}
	return Update{Type: TypeUpdate, Records: records, Offset: offset, TotalExpected: totalExpected}
}

// NewGoodbye builds the terminal message.
func NewGoodbye(totalRecords int, hadError bool) Goodbye {
	return Goodbye{Type: TypeGoodbye, TotalRecords: totalRecords, HadError: hadError}
}
