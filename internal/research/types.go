package research

import (
	"net/http"
	"time"
)

// Kind selects which scraper serves a task.
type Kind string

// Supported task kinds.
const (
	KindWebsite  Kind = "WEBSITE"
	KindRegistry Kind = "REGISTRY"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindWebsite || k == KindRegistry
}

// Subject identifies the company a task researches.
type Subject struct {
	Kind Kind `json:"kind"`
	// Key is a domain for WEBSITE tasks and a search name for REGISTRY tasks.
	Key string `json:"key"`
	// Jurisdiction optionally narrows registry searches (e.g. "us_de").
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Task is the persisted record of one unit of scrape work.
type Task struct {
	ID        string    `json:"id"`
	Subject   Subject   `json:"subject"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Result    *Result   `json:"result,omitempty"`
	Error     *Failure  `json:"error,omitempty"`
}

// Failure is the human-readable summary stored for failed attempts.
type Failure struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Result holds the payload of a succeeded task. Exactly one field is set.
type Result struct {
	Website  *WebsiteResult  `json:"website,omitempty"`
	Registry *RegistryResult `json:"registry,omitempty"`
}

// StateChange is one entry of a task's transition history.
type StateChange struct {
	TaskID  string    `json:"task_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// TaskFilter narrows ListTasks queries. Zero values match everything.
type TaskFilter struct {
	States        []State
	Kind          Kind
	UpdatedBefore time.Time
	Limit         int
}

// JobRef is the queue payload referencing a task.
type JobRef struct {
	TaskID     string    `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ContactInfo groups contact details found on a website.
type ContactInfo struct {
	Emails      []string          `json:"emails"`
	Phones      []string          `json:"phones"`
	Addresses   []string          `json:"addresses"`
	SocialLinks map[string]string `json:"social_links"`
}

// TeamMember is a person listed on a team or about page.
type TeamMember struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
}

// JobListing is an opening found on a careers page.
type JobListing struct {
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	URL      string `json:"url,omitempty"`
}

// WebsiteResult is the output of a website scrape.
type WebsiteResult struct {
	Domain      string            `json:"domain"`
	AboutText   string            `json:"about_text"`
	ContactInfo ContactInfo       `json:"contact_info"`
	TeamMembers []TeamMember      `json:"team_members"`
	CareersURL  string            `json:"careers_url"`
	JobListings []JobListing      `json:"job_listings"`
	SizeHints   []string          `json:"size_hints"`
	Locations   []string          `json:"locations"`
	Metadata    map[string]string `json:"metadata"`
	Notes       map[string]string `json:"notes"`
	Profile     map[string]string `json:"profile"`
	Archived    map[string]string `json:"archived"`
}

// NewWebsiteResult returns a result with every collection initialized.
func NewWebsiteResult(domain string) *WebsiteResult {
	return &WebsiteResult{
		Domain: domain,
		ContactInfo: ContactInfo{
			Emails:      []string{},
			Phones:      []string{},
			Addresses:   []string{},
			SocialLinks: map[string]string{},
		},
		TeamMembers: []TeamMember{},
		JobListings: []JobListing{},
		SizeHints:   []string{},
		Locations:   []string{},
		Metadata:    map[string]string{},
		Notes:       map[string]string{},
		Profile:     map[string]string{},
		Archived:    map[string]string{},
	}
}

// CompanySummary is one registry search hit.
type CompanySummary struct {
	Name              string `json:"name"`
	CompanyNumber     string `json:"company_number"`
	JurisdictionCode  string `json:"jurisdiction_code"`
	IncorporationDate string `json:"incorporation_date,omitempty"`
	CompanyType       string `json:"company_type,omitempty"`
	CurrentStatus     string `json:"current_status,omitempty"`
	RegisteredAddress string `json:"registered_address,omitempty"`
	RegistryURL       string `json:"registry_url,omitempty"`
}

// Officer is a company officer or director.
type Officer struct {
	Name            string `json:"name"`
	Role            string `json:"role"`
	AppointmentDate string `json:"appointment_date,omitempty"`
	EndDate         string `json:"end_date,omitempty"`
	CompanyNumber   string `json:"company_number,omitempty"`
	Jurisdiction    string `json:"jurisdiction,omitempty"`
}

// Filing is a registry filing entry.
type Filing struct {
	Type      string `json:"type"`
	Date      string `json:"date"`
	Reference string `json:"reference,omitempty"`
	Title     string `json:"title,omitempty"`
}

// RegistryResult is the output of a registry lookup.
type RegistryResult struct {
	Query        string           `json:"query,omitempty"`
	Jurisdiction string           `json:"jurisdiction,omitempty"`
	Candidates   []CompanySummary `json:"candidates"`
	Company      *CompanySummary  `json:"company"`
	Details      map[string]any   `json:"details"`
	Officers     []Officer        `json:"officers"`
	Filings      []Filing         `json:"filings"`
}

// NewRegistryResult returns a result with every collection initialized.
func NewRegistryResult() *RegistryResult {
	return &RegistryResult{
		Candidates: []CompanySummary{},
		Details:    map[string]any{},
		Officers:   []Officer{},
		Filings:    []Filing{},
	}
}

// FetchOptions tunes a single fetch.
type FetchOptions struct {
	// Headers are added on top of the fetcher defaults.
	Headers map[string]string
	// Query parameters are merged into the URL query.
	Query map[string]string
}

// FetchResponse is the successful outcome of a fetch.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
	FetchedAt  time.Time
}

// TaskOutcome is the compact notification published when a task reaches a
// terminal state. Results stay in the task store.
type TaskOutcome struct {
	TaskID       string    `json:"task_id"`
	Kind         Kind      `json:"kind"`
	Key          string    `json:"key"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	Code         Code      `json:"code,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// OutcomeOf summarizes task.
func OutcomeOf(task Task) TaskOutcome {
	out := TaskOutcome{
		TaskID:       task.ID,
		Kind:         task.Subject.Kind,
		Key:          task.Subject.Key,
		Jurisdiction: task.Subject.Jurisdiction,
		State:        task.State,
		Attempts:     task.Attempts,
		FinishedAt:   task.UpdatedAt,
	}
	if task.Error != nil {
		out.Code = task.Error.Code
	}
	return out
}
