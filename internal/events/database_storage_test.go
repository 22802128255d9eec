package events

import (
	"testing"
	"time"

	"github.com/deployd/agent/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *DatabaseEventStorage {
	t.Helper()
	db, err := repository.OpenSQLite(":memory:", false)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	return NewDatabaseEventStorage(db)
}

func storeAt(t *testing.T, s *DatabaseEventStorage, id string, typ EventType, deployment string, at time.Time) {
	t.Helper()
	require.NoError(t, s.Store(Event{
		ID:         id,
		Type:       typ,
		Timestamp:  at,
		Source:     "test",
		Deployment: deployment,
		Subject:    id,
		Data:       map[string]interface{}{"n": id},
	}))
}

func TestDatabaseStorageQueryFilters(t *testing.T) {
	s := newTestStorage(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	storeAt(t, s, "e1", EventBackupCreated, "shop", base)
	storeAt(t, s, "e2", EventBackupFailed, "shop", base.Add(time.Minute))
	storeAt(t, s, "e3", EventBackupCreated, "blog", base.Add(2*time.Minute))

	all, err := s.Query(EventFilters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID, "newest first")
	assert.Equal(t, "e1", all[2].ID)
	assert.Equal(t, "e1", all[2].Data["n"])

	byDeployment, err := s.Query(EventFilters{Deployment: "shop"})
	require.NoError(t, err)
	assert.Len(t, byDeployment, 2)

	byType, err := s.Query(EventFilters{Types: []EventType{EventBackupCreated}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	bySubject, err := s.Query(EventFilters{Subject: "e2"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, EventBackupFailed, bySubject[0].Type)

	since, err := s.Query(EventFilters{StartTime: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.Query(EventFilters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "e3", limited[0].ID)
}

func TestDatabaseStoragePrune(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().UTC()

	storeAt(t, s, "old-1", EventBackupCreated, "shop", now.Add(-48*time.Hour))
	storeAt(t, s, "old-2", EventBackupCreated, "shop", now.Add(-25*time.Hour))
	storeAt(t, s, "fresh", EventBackupCreated, "shop", now.Add(-time.Hour))

	pruned, err := s.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	left, err := s.Query(EventFilters{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].ID)
}
