package core

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "upload-*.bin")
	require.NoError(t, err)
	defer f.Close()
	if size > 0 {
		_, err = f.Write(make([]byte, size))
		require.NoError(t, err)
	}
	return f.Name()
}

func TestUploadManagerEnqueueSmallSucceeds(t *testing.T) {
	store := NewMemStore()
	adapter := &fakeAdapter{
		putSmall: func(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error) {
			progress(size)
			return &RemoteSummary{RemoteID: "remote-1", Size: size}, nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 2)
	require.NoError(t, err)

	path := writeTempFile(t, 128)
	_, err = m.Enqueue("file.bin", path, "parent-1", "application/octet-stream", 128, false)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		return len(m.Snapshot().Completed) == 1
	})
	snap := m.Snapshot()
	require.Equal(t, "remote-1", snap.Completed[0].RemoteID)
}

func TestUploadManagerEnqueueRejectsOversizedSmallUpload(t *testing.T) {
	store := NewMemStore()
	m, err := NewUploadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	_, err = m.Enqueue("big.bin", "/tmp/big.bin", "parent-1", "application/octet-stream", SingleShotMaxSize+1, false)
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestUploadManagerEnqueueDedupesByNameAndParent(t *testing.T) {
	store := NewMemStore()
	block := make(chan struct{})
	adapter := &fakeAdapter{
		putSmall: func(ctx context.Context, url, bearer string, body io.ReaderAt, size int64, progress ProgressFunc, cancel *CancelFlag) (*RemoteSummary, error) {
			<-block
			return &RemoteSummary{}, nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)
	defer close(block)

	path := writeTempFile(t, 16)
	_, err = m.Enqueue("file.bin", path, "parent-1", "", 16, false)
	require.NoError(t, err)

	_, err = m.Enqueue("file.bin", path, "parent-1", "", 16, false)
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestUploadManagerLargeUploadChunkLoop(t *testing.T) {
	store := NewMemStore()
	total := int64(ChunkSize + 1024)
	adapter := &fakeAdapter{
		createSession: func(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error) {
			return &SessionInfo{UploadURL: "https://upload.example/session-1"}, nil
		},
		uploadChunk: func(ctx context.Context, uploadURL, bearer string, start, end, totalArg int64, chunk io.ReaderAt) (*ChunkResult, error) {
			if end+1 >= totalArg {
				return &ChunkResult{Outcome: ChunkCompleted, Item: &RemoteSummary{RemoteID: "remote-big"}}, nil
			}
			return &ChunkResult{Outcome: ChunkContinue, NextOffset: end + 1}, nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	path := writeTempFile(t, int(total))
	_, err = m.EnqueueLarge("big.bin", path, "parent-1", "", total, false)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(m.Snapshot().Completed) == 1
	})
	snap := m.Snapshot()
	require.Equal(t, "remote-big", snap.Completed[0].RemoteID)
}

func TestUploadManagerChunkRangeMismatchResumesAtServerOffset(t *testing.T) {
	store := NewMemStore()
	total := int64(ChunkSize + 1024)
	var calls int
	adapter := &fakeAdapter{
		createSession: func(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error) {
			return &SessionInfo{UploadURL: "https://upload.example/session-2"}, nil
		},
		uploadChunk: func(ctx context.Context, uploadURL, bearer string, start, end, totalArg int64, chunk io.ReaderAt) (*ChunkResult, error) {
			calls++
			if calls == 1 {
				return &ChunkResult{Outcome: ChunkRangeMismatch, ServerNext: 1024}, nil
			}
			if end+1 >= totalArg {
				return &ChunkResult{Outcome: ChunkCompleted, Item: &RemoteSummary{RemoteID: "remote-resumed"}}, nil
			}
			return &ChunkResult{Outcome: ChunkContinue, NextOffset: end + 1}, nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	path := writeTempFile(t, int(total))
	_, err = m.EnqueueLarge("big.bin", path, "parent-1", "", total, false)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(m.Snapshot().Completed) == 1
	})
}

func TestUploadManagerCancelMidTransferCancelsSession(t *testing.T) {
	store := NewMemStore()
	total := int64(3 * ChunkSize)
	firstChunkDone := make(chan struct{})
	cancelRequested := make(chan struct{})
	sessionCancelled := make(chan struct{}, 1)
	adapter := &fakeAdapter{
		createSession: func(ctx context.Context, url, bearer string, overwrite bool) (*SessionInfo, error) {
			return &SessionInfo{UploadURL: "https://upload.example/session-3"}, nil
		},
		uploadChunk: func(ctx context.Context, uploadURL, bearer string, start, end, totalArg int64, chunk io.ReaderAt) (*ChunkResult, error) {
			if start == 0 {
				defer close(firstChunkDone)
			} else {
				// hold the chunk until the cancel flag is guaranteed set,
				// so the next loop iteration observes it
				<-cancelRequested
			}
			return &ChunkResult{Outcome: ChunkContinue, NextOffset: end + 1}, nil
		},
		cancelSession: func(ctx context.Context, uploadURL, bearer string) error {
			sessionCancelled <- struct{}{}
			return nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	path := writeTempFile(t, int(total))
	_, err = m.EnqueueLarge("big.bin", path, "parent-1", "", total, false)
	require.NoError(t, err)

	<-firstChunkDone
	snap := m.Snapshot()
	require.Len(t, snap.Active, 1)
	_, err = m.Cancel(snap.Active[0].TaskID)
	require.NoError(t, err)
	close(cancelRequested)

	waitForCondition(t, 2*time.Second, func() bool {
		return len(m.Snapshot().Failed) == 1
	})
	snap = m.Snapshot()
	require.Equal(t, StatusCancelled, snap.Failed[0].Status)
	require.Equal(t, CancelledUploadMessage, snap.Failed[0].ErrorMessage)

	select {
	case <-sessionCancelled:
	case <-time.After(time.Second):
		t.Fatal("expected a cancel_session call")
	}
}

func TestUploadManagerRestartResumesSessionFromStore(t *testing.T) {
	store := NewMemStore()
	size := int64(2048)
	require.NoError(t, store.SaveUpload(UploadRecord{
		TaskID:     "resume-1",
		FileName:   "resume.bin",
		LocalPath:  writeTempFile(t, int(size)),
		Size:       &size,
		ParentID:   "parent-1",
		Status:     StatusInProgress,
		SessionURL: "https://upload.example/session-resume",
	}))

	adapter := &fakeAdapter{
		querySession: func(ctx context.Context, uploadURL, bearer string) (*QueryResult, error) {
			return &QueryResult{FinalItem: &RemoteSummary{RemoteID: "remote-resumed-restart"}}, nil
		},
	}
	m, err := NewUploadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 1)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		return len(m.Snapshot().Completed) == 1
	})
	snap := m.Snapshot()
	require.Equal(t, "remote-resumed-restart", snap.Completed[0].RemoteID)
}

func TestUploadManagerRestartFailsInProgressWithoutSession(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.SaveUpload(UploadRecord{
		TaskID: "stale-1",
		Status: StatusInProgress,
	}))

	m, err := NewUploadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Failed, 1)
	require.Equal(t, InterruptedMessage, snap.Failed[0].ErrorMessage)
}

func TestUploadManagerClearHistoryMergesCancelled(t *testing.T) {
	store := NewMemStore()
	now := time.Now()
	require.NoError(t, store.SaveUpload(UploadRecord{TaskID: "c-1", Status: StatusCancelled, CompletedAt: &now}))

	m, err := NewUploadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap.Failed, 1)

	snap, err = m.ClearHistory()
	require.NoError(t, err)
	require.Empty(t, snap.Failed)
}
