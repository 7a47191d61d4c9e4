package core

import "time"

// DownloadRecord is the in-memory/persisted shape of one download task,
// keyed by the remote item id: only one active transfer per item is allowed.
type DownloadRecord struct {
	ItemID       string
	ItemName     string
	Size         *int64
	IsFolder     bool
	ChildCount   *int
	MimeType     string
	LastModified time.Time
	ThumbnailURL string

	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time

	SavedPath        string
	BytesTransferred int64
	ErrorMessage     string

	// SourceURL is the remote byte-stream URL handed to the protocol
	// adapter; not part of the persisted schema's essential columns but
	// needed to resume a stream_get call, so it's kept alongside.
	SourceURL string
}

func (r *DownloadRecord) clone() *DownloadRecord {
	c := *r
	if r.Size != nil {
		s := *r.Size
		c.Size = &s
	}
	if r.ChildCount != nil {
		n := *r.ChildCount
		c.ChildCount = &n
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// UploadRecord is the in-memory/persisted shape of one upload task, keyed
// by a freshly generated opaque id.
type UploadRecord struct {
	TaskID    string
	FileName  string
	LocalPath string
	Size      *int64
	MimeType  string
	ParentID  string

	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time

	RemoteID         string
	BytesTransferred int64
	ErrorMessage     string
	SessionURL       string
}

func (r *UploadRecord) clone() *UploadRecord {
	c := *r
	if r.Size != nil {
		s := *r.Size
		c.Size = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DownloadQueueState is a deep-copy snapshot of a DownloadManager's three
// sequences, safe to read without holding any lock.
type DownloadQueueState struct {
	Active    []DownloadRecord
	Completed []DownloadRecord
	Failed    []DownloadRecord
}

// UploadQueueState is the upload-manager equivalent, with Cancelled
// merged into Failed for snapshot simplicity.
type UploadQueueState struct {
	Active    []UploadRecord
	Completed []UploadRecord
	Failed    []UploadRecord
}
