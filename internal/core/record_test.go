package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDownloadRecordCloneIsDeepCopy(t *testing.T) {
	size := int64(100)
	count := 3
	completed := time.Now()
	rec := &DownloadRecord{
		ItemID:      "item-1",
		Size:        &size,
		ChildCount:  &count,
		CompletedAt: &completed,
	}

	clone := rec.clone()
	*clone.Size = 999
	*clone.ChildCount = 7
	*clone.CompletedAt = completed.Add(time.Hour)

	assert.Equal(t, int64(100), *rec.Size)
	assert.Equal(t, 3, *rec.ChildCount)
	assert.Equal(t, completed, *rec.CompletedAt)
}

func TestUploadRecordCloneIsDeepCopy(t *testing.T) {
	size := int64(256)
	completed := time.Now()
	rec := &UploadRecord{
		TaskID:      "task-1",
		Size:        &size,
		CompletedAt: &completed,
	}

	clone := rec.clone()
	*clone.Size = 12
	*clone.CompletedAt = completed.Add(time.Minute)

	assert.Equal(t, int64(256), *rec.Size)
	assert.Equal(t, completed, *rec.CompletedAt)
}
