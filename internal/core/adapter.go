package core

import (
	"context"
	"io"
	"time"
)

// ProgressFunc reports cumulative bytes transferred so far for a single
// adapter call. Implementations must be safe to call from the adapter's
// own goroutine; the core treats it as an opaque callback.
type ProgressFunc func(bytesTransferred int64)

// RemoteSummary is what the adapter reports back about the object it just
// moved: enough to stamp the task record's remote_id/size/mime_type.
type RemoteSummary struct {
	RemoteID string
	Size     int64
	MimeType string
}

// SessionInfo is returned by CreateSession.
type SessionInfo struct {
	UploadURL          string
	Expiration         time.Time
	NextExpectedRanges []string
}

// QueryResult is returned by QuerySession on restart-recovery.
type QueryResult struct {
	NextExpectedRanges []string
	Expiration         time.Time
	FinalItem          *RemoteSummary
}

// ChunkOutcome is the discriminant of ChunkResult: a chunk upload either
// continues, completes the session, gets resumed at a server-reported
// offset, or finds its session gone.
type ChunkOutcome int

const (
	ChunkContinue ChunkOutcome = iota
	ChunkCompleted
	ChunkRangeMismatch
	ChunkSessionExpired
)

// ChunkResult is the outcome of one UploadChunk call.
type ChunkResult struct {
	Outcome    ChunkOutcome
	NextOffset int64         // valid when Outcome == ChunkContinue
	Item       *RemoteSummary // valid when Outcome == ChunkCompleted
	ServerNext int64         // valid when Outcome == ChunkRangeMismatch
}

// CredentialProvider supplies the current bearer credential on demand. It
// is an external collaborator: the core never negotiates or refreshes
// credentials itself, only asks for the current one before each adapter
// call so a mid-transfer refresh is transparent to the worker loop.
type CredentialProvider interface {
	BearerToken(ctx context.Context) (string, error)
}

// ProtocolAdapter performs the actual byte transfer given a URL,
// credential, byte range, and streaming hooks. The core depends only on
// this contract; it never type-asserts a concrete implementation.
type ProtocolAdapter interface {
	// StreamGet downloads url into destination, reporting progress and
	// honouring cancel at every buffer boundary.
	StreamGet(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error)

	// PutSmall uploads the full contents of body (size bytes) in a
	// single request.
	PutSmall(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error)

	// CreateSession opens a resumable upload session.
	CreateSession(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error)

	// QuerySession asks the server for the current upload-session state,
	// used on restart recovery before resuming a chunk loop.
	QuerySession(ctx context.Context, uploadURL, bearer string) (*QueryResult, error)

	// UploadChunk uploads one Content-Range-addressed chunk of an open
	// session. chunk must support re-reads: a retry re-issues the same
	// byte range from the same reader.
	UploadChunk(ctx context.Context, uploadURL, bearer string, start, end, total int64, chunk io.ReaderAt) (*ChunkResult, error)

	// CancelSession best-effort deletes an upload session. Errors are
	// not surfaced to the caller's task state; session garbage left
	// behind server-side expires on its own.
	CancelSession(ctx context.Context, uploadURL, bearer string) error
}
