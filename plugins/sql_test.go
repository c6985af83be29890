package plugins_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLGroupsOnStop(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{
		"query": "SELECT host, COUNT(*) AS n, SUM(bytes) AS total FROM events GROUP BY host ORDER BY host",
	}))
	tb.start(t)
	tb.send(
		map[string]any{"host": "a", "bytes": 10},
		map[string]any{"host": "b", "bytes": 5},
		map[string]any{"host": "a", "bytes": 1, "path": "/x"},
	)
	assert.Empty(t, tb.out.all())

	tb.stop(t)
	assert.Equal(t, []any{
		map[string]any{"host": "a", "n": int64(2), "total": int64(11)},
		map[string]any{"host": "b", "n": int64(1), "total": int64(5)},
	}, tb.out.all())
	assert.Empty(t, tb.errorMessages())
}

func TestSQLRunsWhenBufferIsFull(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{
		"query":      "SELECT COUNT(*) AS n FROM logs",
		"table":      "logs",
		"bufferSize": 2,
	}))
	tb.start(t)

	tb.send(map[string]any{"a": 1}, map[string]any{"b": 2})
	assert.Equal(t, []any{map[string]any{"n": int64(2)}}, tb.out.all())

	tb.send(map[string]any{"a": 3})
	assert.Equal(t, 1, tb.out.len())

	tb.stop(t)
	assert.Equal(t, map[string]any{"n": int64(1)}, tb.out.all()[1])
}

func TestSQLNestedValuesAreJSON(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{
		"query": "SELECT json_extract(user, '$.name') AS name FROM events WHERE json_extract(user, '$.id') > 5",
	}))
	tb.start(t)
	tb.send(
		map[string]any{"user": map[string]any{"name": "ann", "id": 7}},
		map[string]any{"user": map[string]any{"name": "bob", "id": 2}},
	)
	tb.stop(t)
	assert.Equal(t, []any{map[string]any{"name": "ann"}}, tb.out.all())
}

func TestSQLReportsErrors(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{"query": "SELECT nope FROM events"}))
	tb.start(t)
	tb.send(map[string]any{"a": 1}, "not a record")
	tb.stop(t)

	msgs := tb.errorMessages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "expected a record")
	assert.Contains(t, msgs[1], "query failed")
	assert.Empty(t, tb.out.all())
}

func TestSQLBeforeStart(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{"query": "SELECT 1", "bufferSize": 1}))
	tb.send(map[string]any{"a": 1})
	require.Len(t, tb.errorMessages(), 1)
	assert.Contains(t, tb.errorMessages()[0], "database is not open")
}

func TestSQLRequiresQuery(t *testing.T) {
	_, err := newPluginErr("sql", map[string]any{})
	assert.Error(t, err)
	_, err = newPluginErr("sql", map[string]any{"query": "SELECT 1", "bufferSize": 0})
	assert.Error(t, err)
}

func TestSQLHealth(t *testing.T) {
	tb := newTestbed(t, transform("sql", map[string]any{"query": "SELECT 1"}))
	health := tb.p.Health(t.Context())
	assert.ErrorContains(t, health["sut"], "database is not open")

	tb.start(t)
	assert.NoError(t, tb.p.Health(t.Context())["sut"])

	tb.stop(t)
	assert.Error(t, tb.p.Health(t.Context())["sut"])
}
