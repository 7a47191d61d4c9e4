package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatsRecordedOnCompletedDownloadOnly(t *testing.T) {
	store := NewMemStore()
	adapter := &fakeAdapter{
		streamGet: func(ctx context.Context, url, bearer, destination string, progress ProgressFunc, cancel *CancelFlag) (int64, error) {
			if url == "bad" {
				return 0, NewError(KindTransient, "connection reset")
			}
			progress(1024)
			return 1024, nil
		},
	}
	m, err := NewDownloadManager(testLogger(), store, adapter, &fakeCreds{token: "tok"}, 2)
	require.NoError(t, err)
	m.SetStatsRecorder(store)

	_, err = m.Enqueue("good", "good.bin", "ok", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)
	_, err = m.Enqueue("broken", "broken.bin", "bad", "/tmp", nil, false, nil, "", time.Now(), "", false)
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool {
		snap := m.Snapshot()
		return len(snap.Completed) == 1 && len(snap.Failed) == 1
	})

	bytes, files := store.StatTotals()
	require.Equal(t, int64(1024), bytes)
	require.Equal(t, int64(1), files)
}
