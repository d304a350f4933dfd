package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linkSteps = []string{"associate", "select", "external_link", "tag"}

func TestFileJournal_StartIsNotPersisted(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), FormatYAML)
	require.NoError(t, err)

	rec := j.Start(SagaKindLink, "link/42/7", linkSteps)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, -1, rec.LastCompleted)
	assert.Equal(t, 0, rec.NextStep())
	assert.Equal(t, SagaStatusRunning, rec.Status)
	assert.False(t, rec.Done())

	_, err = j.Load("link/42/7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileJournal_StepProgress(t *testing.T) {
	for _, format := range []FileFormat{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			j, err := NewFileJournal(dir, format)
			require.NoError(t, err)

			rec := j.Start(SagaKindLink, "link/42/7", linkSteps)
			rec.Data["story_id"] = "7"
			require.NoError(t, j.CompleteStep(rec, 1))
			require.NoError(t, j.FailStep(rec, 1, errors.New("boom")))

			assert.FileExists(t, filepath.Join(dir, "link_42_7."+string(format)))

			loaded, err := j.Load("link/42/7")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, loaded.ID)
			assert.Equal(t, 0, loaded.LastCompleted)
			assert.Equal(t, 1, loaded.NextStep())
			assert.Equal(t, SagaStatusFailed, loaded.Status)
			assert.Equal(t, "boom", loaded.Error)
			assert.Equal(t, "7", loaded.Data["story_id"])
			require.Len(t, loaded.History, 2)
			assert.Equal(t, StepEvent{Step: "associate", Status: StepStatusDone, Attempt: 1, At: loaded.History[0].At}, loaded.History[0])
			assert.Equal(t, "select", loaded.History[1].Step)
			assert.True(t, loaded.SameSteps(linkSteps))
			assert.False(t, loaded.SameSteps(linkSteps[:2]))
		})
	}
}

func TestFileJournal_FinishAndDelete(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), FormatYAML)
	require.NoError(t, err)

	rec := j.Start(SagaKindUnlink, "unlink/42/7", []string{"a"})
	require.NoError(t, j.CompleteStep(rec, 1))
	assert.True(t, rec.Done())
	require.NoError(t, j.Finish(rec))

	loaded, err := j.Load("unlink/42/7")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, loaded.Status)

	require.NoError(t, j.Delete("unlink/42/7"))
	require.NoError(t, j.Delete("unlink/42/7"))
	_, err = j.Load("unlink/42/7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileJournal_List(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, FormatJSON)
	require.NoError(t, err)

	for _, key := range []string{"link/2/1", "link/1/1"} {
		rec := j.Start(SagaKindLink, key, []string{"a"})
		require.NoError(t, j.Save(rec))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	recs, err := j.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "link/1/1", recs[0].Key)
}

func TestFileJournal_HistoryIsBounded(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), FormatYAML)
	require.NoError(t, err)

	rec := j.Start(SagaKindLink, "link/1/1", []string{"a"})
	for i := 0; i < MaxHistoryEntries+10; i++ {
		require.NoError(t, j.FailStep(rec, i+1, errors.New("retry")))
	}

	loaded, err := j.Load("link/1/1")
	require.NoError(t, err)
	assert.Len(t, loaded.History, MaxHistoryEntries)
	assert.Equal(t, MaxHistoryEntries+10, loaded.History[MaxHistoryEntries-1].Attempt)
}

func TestFileJournal_SaveValidation(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), "xml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, j.format)

	assert.Error(t, j.Save(nil))
	assert.Error(t, j.Save(&SagaRecord{}))
}

func TestFileJournal_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, FormatJSON)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "link_1_1.json"), []byte("{not json"), 0644))

	_, err = j.Load("link/1/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON journal file")
}

func TestMockJournal(t *testing.T) {
	m := NewMockJournal()
	rec := m.Start(SagaKindCreate, "create/42/abc", []string{"create", "associate"})
	require.NoError(t, m.CompleteStep(rec, 1))

	// callers mutating their copy do not affect the stored record
	rec.Data["story_id"] = "99"
	loaded, err := m.Load("create/42/abc")
	require.NoError(t, err)
	assert.Empty(t, loaded.Data)
	assert.Equal(t, []string{"create/42/abc"}, m.SaveCalls)

	m.SaveError = errors.New("disk full")
	assert.Error(t, m.FailStep(rec, 1, errors.New("x")))
}
