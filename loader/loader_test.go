package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawire/anchor/dialect"
)

type account struct {
	ID      int64
	Name    string
	Balance float64
}

func row(cols []string, vals ...any) dialect.Row {
	return dialect.Row{Columns: cols, Values: vals}
}

func TestColumnLoader(t *testing.T) {
	r := row([]string{"id", "name"}, int64(7), "alice")

	v, err := Column("name").Load(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	_, err = Column("missing").Load(r)
	assert.Error(t, err)
}

func TestColumnAtLoader(t *testing.T) {
	r := row([]string{"id", "name"}, int64(7), "alice")

	v, err := ColumnAt(0).Load(r)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = ColumnAt(5).Load(r)
	assert.Error(t, err)
}

func TestStructLoader(t *testing.T) {
	r := row([]string{"id", "name", "balance"}, int64(7), "alice", 12.5)

	v, err := Struct(account{}).Load(r)
	require.NoError(t, err)
	acct, ok := v.(*account)
	require.True(t, ok)
	assert.Equal(t, int64(7), acct.ID)
	assert.Equal(t, "alice", acct.Name)
	assert.Equal(t, 12.5, acct.Balance)
}

func TestStructLoaderSnakeCaseColumns(t *testing.T) {
	type state struct {
		DBVal int64
	}
	r := row([]string{"db_val"}, int64(41))

	v, err := Struct(&state{}).Load(r)
	require.NoError(t, err)
	assert.Equal(t, int64(41), v.(*state).DBVal)
}

func TestStructLoaderConvertsCompatibleTypes(t *testing.T) {
	type narrow struct {
		ID int
	}
	r := row([]string{"id"}, int64(3))

	v, err := Struct(narrow{}).Load(r)
	require.NoError(t, err)
	assert.Equal(t, 3, v.(*narrow).ID)
}

func TestStructLoaderTypeMismatch(t *testing.T) {
	r := row([]string{"name"}, int64(1))
	_, err := Struct(account{}).Load(r)
	assert.Error(t, err)
}

func TestGetCoercion(t *testing.T) {
	assert.Nil(t, Get(nil))
	assert.NotNil(t, Get("col"))
	assert.NotNil(t, Get(2))
	assert.NotNil(t, Get(account{}))
	assert.NotNil(t, Get(&account{}))

	ld := Column("x")
	assert.Equal(t, ld, Get(ld))

	fn := func(row dialect.Row) (any, error) { return nil, nil }
	assert.NotNil(t, Get(fn))

	assert.Nil(t, Get(3.14))
}
