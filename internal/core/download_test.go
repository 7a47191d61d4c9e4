package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAdapter is a ProtocolAdapter test double whose behavior per call is
// driven by injected functions, so each test only sets up what it needs.
type fakeAdapter struct {
	streamGet func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error)
	putSmall  func(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error)

	createSession func(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error)
	querySession  func(ctx context.Context, uploadURL, bearer string) (*QueryResult, error)
	uploadChunk   func(ctx context.Context, uploadURL, bearer string, start, end, total int64, chunk io.ReaderAt) (*ChunkResult, error)
	cancelSession func(ctx context.Context, uploadURL, bearer string) error
}

func (f *fakeAdapter) StreamGet(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
	return f.streamGet(ctx, url, bearer, destination, progress, cancel)
}

func (f *fakeAdapter) PutSmall(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error) {
	return f.putSmall(ctx, url, bearer, body, size, progress, cancel)
}

func (f *fakeAdapter) CreateSession(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error) {
	return f.createSession(ctx, url, bearer, overwrite)
}

func (f *fakeAdapter) QuerySession(ctx context.Context, uploadURL, bearer string) (*QueryResult, error) {
	return f.querySession(ctx, uploadURL, bearer)
}

func (f *fakeAdapter) UploadChunk(ctx context.Context, uploadURL, bearer string, start, end, total int64, chunk io.ReaderAt) (*ChunkResult, error) {
	return f.uploadChunk(ctx, uploadURL, bearer, start, end, total, chunk)
}

func (f *fakeAdapter) CancelSession(ctx context.Context, uploadURL, bearer string) error {
	return f.cancelSession(ctx, uploadURL, bearer)
}

type fakeCreds struct {
	token string
	err   error
}

func (f *fakeCreds) BearerToken(ctx context.Context) (string, error) { return f.token, f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestDownloadManagerEnqueueSucceeds(t *testing.T) {
	store := NewMemStore()
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			progress(512)
			return 512, nil
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 2)
	require.NoError(t, err)

	size := int64(512)
	_, err = m.Enqueue("item-1", "file.bin", "https://example/item-1", "/tmp/dest", &size, false, nil, "application/octet-stream", time.Now(), "", false)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		snap := m.Snapshot()
		return len(snap.Completed) == 1
	})

	snap := m.Snapshot()
	require.Len(t, snap.Completed, 1)
	require.Equal(t, "item-1", snap.Completed[0].ItemID)
	require.Equal(t, StatusCompleted, snap.Completed[0].Status)
}

func TestDownloadManagerEnqueueRejectsDuplicateActive(t *testing.T) {
	store := NewMemStore()
	block := make(chan struct{})
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			<-block
			return 0, nil
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 2)
	require.NoError(t, err)
	defer close(block)

	_, err = m.Enqueue("item-1", "file.bin", "https://example/item-1", "/tmp/dest", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)

	_, err = m.Enqueue("item-1", "file.bin", "https://example/item-1", "/tmp/dest", nil, false, nil, "", time.Now(), "", false)
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestDownloadManagerEnqueueValidatesEmptyFields(t *testing.T) {
	store := NewMemStore()
	m, err := NewDownloadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	_, err = m.Enqueue("", "file.bin", "url", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.Error(t, err)

	_, err = m.Enqueue("item-1", "file.bin", "url", "", nil, false, nil, "", time.Now(), "", false)
	require.Error(t, err)
}

func TestDownloadManagerFailureTransition(t *testing.T) {
	store := NewMemStore()
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			return 0, NewError(KindTransient, "connection reset")
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	_, err = m.Enqueue("item-1", "file.bin", "url", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		return len(m.Snapshot().Failed) == 1
	})
	snap := m.Snapshot()
	require.Equal(t, StatusFailed, snap.Failed[0].Status)
}

func TestDownloadManagerCancelMarksFailed(t *testing.T) {
	store := NewMemStore()
	started := make(chan struct{})
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			close(started)
			for !cancel.IsSet() {
				time.Sleep(time.Millisecond)
			}
			return 0, NewError(KindCancelled, "cancelled")
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	_, err = m.Enqueue("item-1", "file.bin", "url", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)
	<-started

	_, err = m.Cancel("item-1")
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		return len(m.Snapshot().Failed) == 1
	})
}

func TestDownloadManagerCancelUnknownReturnsNotFound(t *testing.T) {
	store := NewMemStore()
	m, err := NewDownloadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	_, err = m.Cancel("ghost")
	require.Error(t, err)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestDownloadManagerRestartInterruptsInProgressRows(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.SaveDownload(DownloadRecord{
		ItemID: "stale-1",
		Status: StatusInProgress,
	}))

	m, err := NewDownloadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Failed, 1)
	require.Equal(t, InterruptedMessage, snap.Failed[0].ErrorMessage)
}

func TestDownloadManagerClearHistoryAndClearFailed(t *testing.T) {
	store := NewMemStore()
	now := time.Now()
	require.NoError(t, store.SaveDownload(DownloadRecord{ItemID: "done-1", Status: StatusCompleted, CompletedAt: &now}))
	require.NoError(t, store.SaveDownload(DownloadRecord{ItemID: "bad-1", Status: StatusFailed, CompletedAt: &now}))

	m, err := NewDownloadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Completed, 1)
	require.Len(t, snap.Failed, 1)

	snap, err = m.ClearFailed()
	require.NoError(t, err)
	require.Empty(t, snap.Failed)
	require.Len(t, snap.Completed, 1)

	snap, err = m.ClearHistory()
	require.NoError(t, err)
	require.Empty(t, snap.Completed)
	require.Empty(t, snap.Failed)
}

func TestDownloadManagerRemoveCancelsActiveTask(t *testing.T) {
	store := NewMemStore()
	started := make(chan struct{})
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			close(started)
			for !cancel.IsSet() {
				time.Sleep(time.Millisecond)
			}
			return 0, NewError(KindCancelled, "cancelled")
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	_, err = m.Enqueue("item-1", "file.bin", "url", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)
	<-started

	snap, err := m.Remove("item-1")
	require.NoError(t, err)
	require.Empty(t, snap.Active)
	require.Empty(t, snap.Completed)
	require.Empty(t, snap.Failed)

	all, err := store.LoadAllDownloads()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDownloadManagerSubscribeReceivesActiveSnapshot(t *testing.T) {
	store := NewMemStore()
	block := make(chan struct{})
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			<-block
			return 0, nil
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)
	defer close(block)

	_, err = m.Enqueue("item-1", "file.bin", "url", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	select {
	case u := <-ch:
		require.Equal(t, "item-1", u.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot tick for the active task")
	}
}
