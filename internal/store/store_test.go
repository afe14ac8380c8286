package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formsync/internal/mapping"
)

var _ mapping.ExactSource = (*MappingStore)(nil)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "formsync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMappingStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	_, ok, err := s.Mappings.Lookup(ctx, "abc", "outpatients_new_cases_less_than_8_days_male")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Mappings.Save(ctx, "abc", map[string]string{
		"outpatients_new_cases_less_than_8_days_male": "k1",
		"admissions_malaria_less_than_5_years_total":  "k2",
	}))
	target, ok, err := s.Mappings.Lookup(ctx, "abc", "outpatients_new_cases_less_than_8_days_male")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "k1", target)

	// Another inventory never sees these pairs.
	_, ok, err = s.Mappings.Lookup(ctx, "other", "outpatients_new_cases_less_than_8_days_male")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Mappings.Save(ctx, "abc", map[string]string{"admissions_malaria_less_than_5_years_total": "k9"}))
	target, _, err = s.Mappings.Lookup(ctx, "abc", "admissions_malaria_less_than_5_years_total")
	require.NoError(t, err)
	assert.Equal(t, "k9", target)

	n, err := s.Mappings.Count(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMappingStoreSaveEmpty(t *testing.T) {
	s := openTemp(t)
	assert.NoError(t, s.Mappings.Save(context.Background(), "abc", nil))
}

func TestAuditRecentRuns(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.Audit.RecordRun(ctx, Run{
			ID:           id,
			Program:      "opd",
			Location:     "KE/NBI/KIB",
			Status:       200,
			State:        "succeeded",
			Success:      i != 1,
			FieldsFilled: 10 + i,
			TotalFields:  12,
			Degraded:     i == 2,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			FinishedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}))
	}

	runs, err := s.Audit.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.True(t, runs[0].Degraded)
	assert.True(t, runs[0].Success)
	assert.Equal(t, "r2", runs[1].ID)
	assert.False(t, runs[1].Success)
	assert.Equal(t, 11, runs[1].FieldsFilled)
	assert.True(t, runs[1].StartedAt.Equal(base.Add(time.Minute)))
}

func TestAuditDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	r := Run{ID: "dup", Program: "opd", Location: "x", State: "failed", StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, s.Audit.RecordRun(ctx, r))
	assert.Error(t, s.Audit.RecordRun(ctx, r))
}
