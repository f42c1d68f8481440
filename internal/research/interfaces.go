package research

import (
	"context"
	"io"
	"time"
)

// TaskStore persists tasks. SwapTask is the only way to change a stored
// task: it writes next only while the stored state and attempts still match
// prev, and appends the matching StateChange in the same atomic step.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	SwapTask(ctx context.Context, prev, next Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	ListStateChanges(ctx context.Context, id string) ([]StateChange, error)
}

// Queue moves job references from producers to workers with
// at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, job JobRef) error
	Dequeue(ctx context.Context) (JobRef, error)
	Close()
}

// Fetcher retrieves a URL under the rate-limit, robots and retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error)
}

// WebsiteScraper extracts company information from a website.
type WebsiteScraper interface {
	ScrapeCompanyInfo(ctx context.Context, domain string) (*WebsiteResult, error)
}

// RegistryScraper looks companies up in a corporate registry.
type RegistryScraper interface {
	SearchCompanies(ctx context.Context, name, jurisdiction string) ([]CompanySummary, error)
	GetCompanyDetails(ctx context.Context, companyNumber, jurisdiction string) (*RegistryResult, error)
	Research(ctx context.Context, subject Subject) (*RegistryResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces task outcomes to downstream consumers and returns
// the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
