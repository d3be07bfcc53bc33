package dlq_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/dlq"
)

func sampleRejection(id string, status int) dlq.RejectedDelivery {
	body := "Gone"
	ct := "text/plain"
	sub := activity.SubmissionEnvelope{
		ReceivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ActivityID: id,
		Host:       "social.example",
		Path:       "/users/alice/inbox",
		Headers:    activity.HeaderList{{Name: "Host", Value: "social.example"}},
		Body:       []byte(`{"id":"` + id + `"}`),
	}
	resp := activity.ResponseEnvelope{
		RespondedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
		ActivityID:  id,
		Status:      status,
		ContentType: &ct,
		Body:        &body,
	}
	return dlq.NewRejectedDelivery(sub, resp)
}

func TestNewRejectedDelivery(t *testing.T) {
	rec := sampleRejection("https://remote.example/1", 410)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.RecordedAt.IsZero())
	assert.Equal(t, "https://remote.example/1", rec.ActivityID)
	assert.Equal(t, 410, rec.Status)
	assert.Equal(t, `{"id":"https://remote.example/1"}`, string(rec.Submission.Body))
}

func TestNewFileWriter(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("creates nested directories", func(t *testing.T) {
		nested := filepath.Join(tempDir, "nested", "rejected")
		w, err := dlq.NewFileWriter(nested)
		require.NoError(t, err)
		assert.NotNil(t, w)

		info, err := os.Stat(nested)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("fails when path is a file", func(t *testing.T) {
		file := filepath.Join(tempDir, "file")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		_, err := dlq.NewFileWriter(filepath.Join(file, "sub"))
		assert.Error(t, err)
	})
}

func TestFileWriter_WriteAndList(t *testing.T) {
	dir := t.TempDir()
	w, err := dlq.NewFileWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	first := sampleRejection("https://remote.example/1", 400)
	second := sampleRejection("https://remote.example/2", 410)
	second.RecordedAt = first.RecordedAt.Add(time.Millisecond)

	require.NoError(t, w.Write(ctx, second))
	require.NoError(t, w.Write(ctx, first))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2, "one file per record")

	got, err := w.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID, "oldest first")
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, 410, got[1].Status)
	require.NotNil(t, got[1].Response.Body)
	assert.Equal(t, "Gone", *got[1].Response.Body)
	assert.Equal(t, first.Submission.Body, got[0].Submission.Body)

	limited, err := w.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFileWriter_ListSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := dlq.NewFileWriter(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.json.tmp"), []byte("{"), 0o600))
	require.NoError(t, w.Write(context.Background(), sampleRejection("https://remote.example/1", 404)))

	got, err := w.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFileWriter_WriteCancelled(t *testing.T) {
	w, err := dlq.NewFileWriter(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, sampleRejection("x", 400)), context.Canceled)
}

func TestNopWriter(t *testing.T) {
	var w dlq.Writer = dlq.NopWriter{}
	assert.NoError(t, w.Write(context.Background(), sampleRejection("x", 400)))
	assert.NoError(t, w.Close())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "apqb.rejected.410", dlq.Subject(410))
}
