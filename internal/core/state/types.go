package state

import "time"

// Status tracks a document through its download lifecycle. Transitions only
// move forward, except for the bounded failed_retryable -> pending cycle.
type Status string

const (
	StatusDiscovered      Status = "discovered"
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusDownloading     Status = "downloading"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
)

// Document is one downloadable artifact discovered on a listing page.
//
// ID must be deterministic (employee id + doc type + period) so repeated
// discovery over the same listing is idempotent. ListingPage and RowIndex
// let any worker page re-locate the DOM row without holding stale element
// handles across navigations.
type Document struct {
	ID           string
	EmployeeName string
	EmployeeID   string
	DocType      string
	Period       string
	ListingPage  int
	RowIndex     int
	FileName     string
	Status       Status
	Attempts     int
	LastError    string
	FilePath     string
	WorkerID     string
	DiscoveredAt time.Time
	CompletedAt  time.Time
}

// CanRetry reports whether the document has attempts left.
func (d *Document) CanRetry(maxAttempts int) bool {
	return d.Attempts < maxAttempts && d.Status != StatusSucceeded
}

// RunMeta is the singleton run-level record persisted alongside documents.
type RunMeta struct {
	RunID     string
	System    string
	OutputDir string
	StartedAt time.Time
}

// Snapshot is a point-in-time view of the store used for reporting.
type Snapshot struct {
	Pending         int
	Claimed         int
	Downloading     int
	Succeeded       int
	FailedPermanent int

	// Failed holds every failed_permanent row, for the failures report.
	Failed []Document
}

// Total is the number of documents discovered so far.
func (s Snapshot) Total() int {
	return s.Pending + s.Claimed + s.Downloading + s.Succeeded + s.FailedPermanent
}
