package types

import (
	"testing"
	"time"

	"github.com/cuemby/stratus/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, text string) (*BackupJob, error) {
	t.Helper()
	tmpl, err := template.Parse(text)
	require.NoError(t, err)
	return NewBackupJob(Owner{UID: 1, GID: 1}, tmpl)
}

func TestNewBackupJob_Priority(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr error
	}{
		{name: "default", text: `BACKUP_VMS = "1"`, want: DefaultPriority},
		{name: "explicit", text: `PRIORITY = 10`, want: 10},
		{name: "upper bound", text: `PRIORITY = 99`, want: 99},
		{name: "too high", text: `PRIORITY = 100`, wantErr: ErrInvalidPriority},
		{name: "negative", text: `PRIORITY = -1`, wantErr: ErrInvalidPriority},
		{name: "not a number", text: `PRIORITY = "high"`, wantErr: ErrInvalidPriority},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := newJob(t, tt.text)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.Priority)
			_, kept := job.Tmpl().Get(AttrPriority)
			assert.False(t, kept)
		})
	}
}

func TestNewBackupJob_InvalidVMs(t *testing.T) {
	_, err := newJob(t, `BACKUP_VMS = "1,two"`)
	assert.ErrorContains(t, err, "invalid BACKUP_VMS")
}

func TestPrivilegedPriority(t *testing.T) {
	assert.False(t, PrivilegedPriority(49))
	assert.True(t, PrivilegedPriority(50))
}

func TestBackupJob_Run(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	job, err := newJob(t, `BACKUP_VMS = "1,2,3"`)
	require.NoError(t, err)

	require.NoError(t, job.Execute(start))
	assert.Equal(t, IntSet{1, 2, 3}, job.Outdated)
	assert.ErrorIs(t, job.Execute(start), ErrPendingBackups)

	require.NoError(t, job.BackupStarted(1))
	require.NoError(t, job.BackupStarted(2))
	assert.Error(t, job.BackupStarted(1))

	require.NoError(t, job.BackupFinished(1, true, start.Add(time.Minute)))
	require.NoError(t, job.BackupFinished(2, false, start.Add(2*time.Minute)))
	assert.Error(t, job.BackupFinished(2, true, start))

	assert.Equal(t, IntSet{3}, job.Outdated)
	assert.Empty(t, job.BackingUp)
	assert.Equal(t, IntSet{1}, job.Updated)
	assert.Equal(t, IntSet{2}, job.Errors)
	assert.Equal(t, 2*time.Minute, job.LastDuration)
	assert.False(t, job.Finished())

	job.Retry()
	assert.Equal(t, IntSet{2, 3}, job.Outdated)
	assert.Empty(t, job.Errors)

	job.Cancel()
	assert.True(t, job.Finished())

	// a new run clears the results of the previous one
	require.NoError(t, job.Execute(start.Add(time.Hour)))
	assert.Equal(t, IntSet{1, 2, 3}, job.Outdated)
	assert.Empty(t, job.Updated)
}

func TestBackupJob_Prune(t *testing.T) {
	job := &BackupJob{
		Outdated:  NewIntSet(1, 2),
		BackingUp: NewIntSet(3),
		Updated:   NewIntSet(4),
		Errors:    NewIntSet(5),
	}
	job.Prune(NewIntSet(2, 3))

	assert.Equal(t, IntSet{2}, job.Outdated)
	assert.Equal(t, IntSet{3}, job.BackingUp)
	assert.Empty(t, job.Updated)
	assert.Empty(t, job.Errors)
}
