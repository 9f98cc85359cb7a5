package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/regadmin/core/csql"
)

// the statement builder is pure, these tests run without a database

func TestBuildUpdateTouchesOnlyPatchedColumns(t *testing.T) {
	query, args, err := buildUpdate("unit", &registrationsTable, "7",
		map[string]interface{}{"paid": true})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(query,
		`UPDATE unit."registrations" SET "paid" = $1, updated_at = now() WHERE "id" = $2 RETURNING `), query)
	assert.Equal(t, []interface{}{true, int64(7)}, args)
}

func TestBuildUpdateDeterministicColumnOrder(t *testing.T) {
	query, args, err := buildUpdate("unit", &registrationsTable, "3",
		map[string]interface{}{"phone": "123", "name": "Ada"})
	assert.NoError(t, err)
	assert.Contains(t, query, `SET "name" = $1, "phone" = $2, updated_at = now()`)
	assert.Equal(t, []interface{}{"Ada", "123", int64(3)}, args)
}

func TestBuildUpdateRejectsUnknownColumn(t *testing.T) {
	query, _, err := buildUpdate("unit", &registrationsTable, "7",
		map[string]interface{}{"paid": true, `evil" = now(), "review`: "x"})
	assert.ErrorIs(t, err, ErrInvalidColumn)
	assert.Empty(t, query)
}

func TestBuildUpdateStripsImmutableKey(t *testing.T) {
	query, args, err := buildUpdate("unit", &registrationsTable, "7",
		map[string]interface{}{"id": 9, "paid": true})
	assert.NoError(t, err)
	assert.NotContains(t, query, `"id" = $1`)
	assert.Equal(t, []interface{}{true, int64(7)}, args)
}

func TestBuildUpdateEmptyPatch(t *testing.T) {
	_, _, err := buildUpdate("unit", &registrationsTable, "7", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrEmptyPatch)

	// a patch containing only the immutable key is empty as well
	_, _, err = buildUpdate("unit", &registrationsTable, "7", map[string]interface{}{"id": 9})
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestBuildUpdateMissingKey(t *testing.T) {
	for _, key := range []string{"", "abc", "7; DROP TABLE users"} {
		_, _, err := buildUpdate("unit", &registrationsTable, key,
			map[string]interface{}{"paid": true})
		assert.ErrorIs(t, err, ErrMissingKey, key)
	}
}

func TestBuildUpdateGroupColumnName(t *testing.T) {
	query, args, err := buildUpdate("unit", &registrationsTable, "1",
		map[string]interface{}{"group": "red"})
	assert.NoError(t, err)
	assert.Contains(t, query, `"group_name" = $1`)
	assert.Equal(t, []interface{}{"red", int64(1)}, args)
}

func TestBuildUpdateUsersNeverReturnsPassword(t *testing.T) {
	query, _, err := buildUpdate("unit", &usersTable, "1",
		map[string]interface{}{"password": "secret"})
	assert.NoError(t, err)
	returning := strings.SplitN(query, " RETURNING ", 2)[1]
	assert.NotContains(t, returning, "password")
}

func TestBuildUpdateSettingsBindsJSON(t *testing.T) {
	query, args, err := buildUpdate("unit", &settingsTable, "1",
		map[string]interface{}{"data": map[string]interface{}{"theme": "dark"}})
	assert.NoError(t, err)
	assert.Contains(t, query, `"data" = $1`)
	raw, ok := args[0].(json.RawMessage)
	assert.True(t, ok)
	assert.JSONEq(t, `{"theme":"dark"}`, string(raw))
}

func TestBuildInsertBindsAllColumns(t *testing.T) {
	query, args, err := buildInsert("unit", &registrationsTable,
		map[string]interface{}{"name": "Ada", "group": "red"})
	assert.NoError(t, err)
	assert.Contains(t, query, `INSERT INTO unit."registrations" `)
	assert.Contains(t, query, `"group_name"`)
	assert.Contains(t, query, "created_at")
	assert.Len(t, args, len(registrationsTable.mutable))
	assert.Equal(t, "Ada", args[0])
	// absent booleans default to false rather than NULL
	assert.Equal(t, false, args[7])
	assert.Equal(t, false, args[9])
	// absent text columns are bound as NULL
	assert.Nil(t, args[1])
}

func TestParameterString(t *testing.T) {
	assert.Equal(t, "", parameterString(0))
	assert.Equal(t, "$1", parameterString(1))
	assert.Equal(t, "$1,$2,$3", parameterString(3))
}

func TestUpdateInvalidTable(t *testing.T) {
	b := &Backend{db: &csql.DB{Schema: "unit"}}
	_, err := b.update(context.Background(), "accounts", "1",
		map[string]interface{}{"name": "x"})
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestUpdateEmptyPatchIssuesNoStatement(t *testing.T) {
	// the backend has no database connection; an empty patch must fail
	// before any statement is issued
	b := &Backend{db: &csql.DB{Schema: "unit"}}
	_, err := b.update(context.Background(), "registrations", "1", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(json.RawMessage(`[1,2,3]`))
	assert.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = parseIDs(json.RawMessage(`["4","5"]`))
	assert.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, ids)

	ids, err = parseIDs(json.RawMessage(`7`))
	assert.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	ids, err = parseIDs(json.RawMessage(`"8"`))
	assert.NoError(t, err)
	assert.Equal(t, []int64{8}, ids)

	ids, err = parseIDs(nil)
	assert.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = parseIDs(json.RawMessage(`[]`))
	assert.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseIDs(json.RawMessage(`{"a":1}`))
	assert.Error(t, err)

	_, err = parseIDs(json.RawMessage(`["x"]`))
	assert.Error(t, err)

	// a fractional id must not silently truncate to a real row
	_, err = parseIDs(json.RawMessage(`7.9`))
	assert.Error(t, err)
	_, err = parseIDs(json.RawMessage(`[1, 2.5]`))
	assert.Error(t, err)
	_, err = parseIDs(json.RawMessage(`"7.9"`))
	assert.Error(t, err)
}
