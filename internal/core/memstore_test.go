package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreDownloadRoundTrip(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.SaveDownload(DownloadRecord{ItemID: "a", Status: StatusInProgress}))
	require.NoError(t, s.SaveDownload(DownloadRecord{ItemID: "b", Status: StatusCompleted}))

	all, err := s.LoadAllDownloads()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteDownload("a"))
	all, err = s.LoadAllDownloads()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ItemID)
}

func TestMemStoreDeleteDownloadsWithStatus(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.SaveDownload(DownloadRecord{ItemID: "a", Status: StatusCompleted}))
	require.NoError(t, s.SaveDownload(DownloadRecord{ItemID: "b", Status: StatusFailed}))
	require.NoError(t, s.SaveDownload(DownloadRecord{ItemID: "c", Status: StatusInProgress}))

	require.NoError(t, s.DeleteDownloadsWithStatus(StatusCompleted, StatusFailed))

	all, err := s.LoadAllDownloads()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c", all[0].ItemID)
}

func TestMemStoreUploadRoundTrip(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.SaveUpload(UploadRecord{TaskID: "x", Status: StatusInProgress}))

	all, err := s.LoadAllUploads()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteUpload("x"))
	all, err = s.LoadAllUploads()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemStoreSettings(t *testing.T) {
	s := NewMemStore()
	_, ok, err := s.GetSetting("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting("key", "value"))
	v, ok, err := s.GetSetting("key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}
