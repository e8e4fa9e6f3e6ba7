package db

import "github.com/jakechorley/escort-dispatch/pkg/sheetssql"

// Table names, derived from the model struct names
const (
	TableRequest           = "request"
	TableRider             = "rider"
	TableAssignment        = "assignment"
	TableAvailability      = "availability"
	TableConfirmationToken = "confirmation_token"
	TableResponseLog       = "response_log"
)

// Request represents an escort job record
type Request struct {
	ID               string `ssql_header:"id" ssql_type:"text"`
	EventDate        string `ssql_header:"event_date" ssql_type:"date"`
	StartTime        string `ssql_header:"start_time" ssql_type:"time"`
	EndTime          string `ssql_header:"end_time" ssql_type:"time"`
	StartLocation    string `ssql_header:"start_location" ssql_type:"text"`
	EndLocation      string `ssql_header:"end_location" ssql_type:"text"`
	RidersNeeded     int    `ssql_header:"riders_needed" ssql_type:"int"`
	Status           string `ssql_header:"status" ssql_type:"text"`
	AssignedRiderIDs string `ssql_header:"assigned_rider_ids" ssql_type:"text"` // comma separated
	Notes            string `ssql_header:"notes" ssql_type:"text"`
	LastModified     string `ssql_header:"last_modified" ssql_type:"timestamp"`
}

// Rider represents a rider roster record
type Rider struct {
	ID          string `ssql_header:"id" ssql_type:"text"`
	Name        string `ssql_header:"name" ssql_type:"text"`
	Email       string `ssql_header:"email" ssql_type:"text"`
	Phone       string `ssql_header:"phone" ssql_type:"text"`
	Status      string `ssql_header:"status" ssql_type:"text"`
	ContactInfo string `ssql_header:"contact_info" ssql_type:"text"`
}

// Assignment represents the binding of one rider to one request
type Assignment struct {
	ID          string `ssql_header:"id" ssql_type:"uuid"`
	RequestID   string `ssql_header:"request_id" ssql_type:"text"`
	RiderID     string `ssql_header:"rider_id" ssql_type:"text"`
	Status      string `ssql_header:"status" ssql_type:"text"`
	EventDate   string `ssql_header:"event_date" ssql_type:"date"`
	StartTime   string `ssql_header:"start_time" ssql_type:"time"`
	EndTime     string `ssql_header:"end_time" ssql_type:"time"`
	Override    bool   `ssql_header:"override" ssql_type:"bool"`
	CreatedAt   string `ssql_header:"created_at" ssql_type:"timestamp"`
	ConfirmedAt string `ssql_header:"confirmed_at" ssql_type:"timestamp"`
	DeclinedAt  string `ssql_header:"declined_at" ssql_type:"timestamp"`
	CancelledAt string `ssql_header:"cancelled_at" ssql_type:"timestamp"`
}

// Availability represents a rider's self-declared availability interval
type Availability struct {
	ID         string `ssql_header:"id" ssql_type:"text"`
	RiderID    string `ssql_header:"rider_id" ssql_type:"text"`
	Date       string `ssql_header:"date" ssql_type:"date"`
	StartTime  string `ssql_header:"start_time" ssql_type:"time"`
	EndTime    string `ssql_header:"end_time" ssql_type:"time"`
	Status     string `ssql_header:"status" ssql_type:"text"`
	Recurrence string `ssql_header:"recurrence" ssql_type:"rrule"`
	Notes      string `ssql_header:"notes" ssql_type:"text"`
}

// ConfirmationToken represents a single-use confirm/decline capability
type ConfirmationToken struct {
	Token        string `ssql_header:"token" ssql_type:"text" ssql_key:"true"`
	AssignmentID string `ssql_header:"assignment_id" ssql_type:"uuid"`
	RequestID    string `ssql_header:"request_id" ssql_type:"text"`
	RiderID      string `ssql_header:"rider_id" ssql_type:"text"`
	Action       string `ssql_header:"action" ssql_type:"text"`
	IssuedAt     string `ssql_header:"issued_at" ssql_type:"timestamp"`
	ExpiresAt    string `ssql_header:"expires_at" ssql_type:"timestamp"`
	ConsumedAt   string `ssql_header:"consumed_at" ssql_type:"timestamp"`
	Outcome      string `ssql_header:"outcome" ssql_type:"text"`
}

// ResponseLog is an append-only audit record of a confirmation event
type ResponseLog struct {
	ID           string `ssql_header:"id" ssql_type:"uuid"`
	Timestamp    string `ssql_header:"timestamp" ssql_type:"timestamp"`
	Source       string `ssql_header:"source" ssql_type:"text"`
	RiderID      string `ssql_header:"rider_id" ssql_type:"text"`
	RiderName    string `ssql_header:"rider_name" ssql_type:"text"`
	RequestID    string `ssql_header:"request_id" ssql_type:"text"`
	AssignmentID string `ssql_header:"assignment_id" ssql_type:"uuid"`
	Action       string `ssql_header:"action" ssql_type:"text"`
	Token        string `ssql_header:"token" ssql_type:"text"`
	Outcome      string `ssql_header:"outcome" ssql_type:"text"`
	RawPayload   string `ssql_header:"raw_payload" ssql_type:"text"`
}

// NewSchema builds the schema descriptor for every table. It is resolved once
// at startup and shared by all store implementations.
func NewSchema() (*sheetssql.Schema, error) {
	return sheetssql.SchemaFromModels(
		Request{},
		Rider{},
		Assignment{},
		Availability{},
		ConfirmationToken{},
		ResponseLog{},
	)
}
