package report

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v Violation) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestRedisStoreAppend(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStore(client, 100, 24*time.Hour, quietLogger())

	v := Violation{
		Type:      "iframe",
		Details:   "iframe injected into assessment page",
		Timestamp: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Severity:  SeverityHigh,
	}
	payload := mustMarshal(t, v)

	mock.ExpectLPush(violationsKey, []byte(payload)).SetVal(1)
	mock.ExpectLTrim(violationsKey, 0, 99).SetVal("OK")
	mock.ExpectExpire(violationsKey, 24*time.Hour).SetVal(true)

	require.NoError(t, s.Append(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStoreList(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStore(client, 100, 24*time.Hour, quietLogger())

	older := Violation{Type: "older", Timestamp: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	newer := Violation{Type: "newer", Timestamp: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}

	// stored newest first, one entry corrupted
	mock.ExpectLRange(violationsKey, 0, 99).SetVal([]string{
		mustMarshal(t, newer),
		"{not json",
		mustMarshal(t, older),
	})

	items, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2, "undecodable entries are skipped, not fatal")
	assert.Equal(t, "older", items[0].Type)
	assert.Equal(t, "newer", items[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorePrune(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStore(client, 100, 24*time.Hour, quietLogger())

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	stale := Violation{Type: "stale", Timestamp: now.Add(-25 * time.Hour)}
	fresh := Violation{Type: "fresh", Timestamp: now.Add(-time.Hour)}

	mock.ExpectLRange(violationsKey, 0, 99).SetVal([]string{
		mustMarshal(t, fresh),
		mustMarshal(t, stale),
	})
	mock.ExpectDel(violationsKey).SetVal(1)
	mock.ExpectRPush(violationsKey, []byte(mustMarshal(t, fresh))).SetVal(1)
	mock.ExpectExpire(violationsKey, 24*time.Hour).SetVal(true)

	removed, err := s.Prune(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorePruneNothingToRemove(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStore(client, 100, 24*time.Hour, quietLogger())

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	fresh := Violation{Type: "fresh", Timestamp: now.Add(-time.Hour)}
	mock.ExpectLRange(violationsKey, 0, 99).SetVal([]string{mustMarshal(t, fresh)})

	removed, err := s.Prune(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
