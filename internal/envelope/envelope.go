// Package envelope models one inbound processor-result message and the
// normalization that turns drifted upstream payloads into a uniform shape.
package envelope

// Envelope is one inbound message carrying the result of an upstream parse
// for one user/subscription. Immutable after normalization.
type Envelope struct {
	Version       string   `json:"version"`
	ProcessorType string   `json:"processor_type"`
	Timestamp     string   `json:"timestamp"`
	TraceID       string   `json:"trace_id"`
	Request       Request  `json:"request"`
	Results       Results  `json:"results"`
	Metadata      Metadata `json:"metadata"`
}

type Request struct {
	SubscriptionID string   `json:"subscription_id"`
	UserID         string   `json:"user_id"`
	ProcessingID   string   `json:"processing_id"`
	Prompts        []string `json:"prompts"`
}

type Results struct {
	QueryDate string  `json:"query_date"`
	Matches   []Match `json:"matches"`
}

// Match pairs a prompt with the documents it surfaced.
type Match struct {
	Prompt    string     `json:"prompt"`
	Documents []Document `json:"documents"`
}

// Document is one upstream-identified item. The core capability set is shared;
// the remaining fields are populated per document family.
type Document struct {
	Title             string  `json:"title"`
	NotificationTitle string  `json:"notification_title,omitempty"`
	Summary           string  `json:"summary"`
	Links             Links   `json:"links"`
	RelevanceScore    float64 `json:"relevance_score"`
	PublicationDate   string  `json:"publication_date,omitempty"`
	DocumentType      string  `json:"document_type,omitempty"`

	// BOE documents
	IssuingBody  string `json:"issuing_body,omitempty"`
	Section      string `json:"section,omitempty"`
	Department   string `json:"department,omitempty"`
	BulletinType string `json:"bulletin_type,omitempty"`

	// Real-estate listings
	Price        float64   `json:"price,omitempty"`
	Location     *Location `json:"location,omitempty"`
	PropertyType string    `json:"property_type,omitempty"`
	SizeSqm      *float64  `json:"size_sqm,omitempty"`
	Rooms        *int      `json:"rooms,omitempty"`
}

type Links struct {
	HTML string `json:"html"`
	PDF  string `json:"pdf,omitempty"`
}

type Location struct {
	City   string `json:"city"`
	Region string `json:"region"`
}

type Metadata struct {
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	TotalMatches     int     `json:"total_matches"`
	Status           string  `json:"status"`
	Error            string  `json:"error,omitempty"`
}

// FirstPrompt returns the envelope's leading prompt or the given fallback.
func (e *Envelope) FirstPrompt(fallback string) string {
	if len(e.Request.Prompts) > 0 && e.Request.Prompts[0] != "" {
		return e.Request.Prompts[0]
	}
	return fallback
}
