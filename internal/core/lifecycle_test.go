package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEngineHandleLifecycle(t *testing.T) {
	require.Nil(t, Default())

	store := NewMemStore()
	d, err := NewDownloadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)
	u, err := NewUploadManager(testLogger(), store, &fakeAdapter{}, &fakeCreds{}, 1)
	require.NoError(t, err)

	e := InitDefault(d, u)
	require.Same(t, e, Default())
	require.Same(t, d, Default().Downloads)

	ShutdownDefault()
	require.Nil(t, Default())
}
