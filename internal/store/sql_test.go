package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/bizdir/internal/model"
)

func TestWhereClause(t *testing.T) {
	where, args := whereClause(Filter{}, pgPlaceholder)
	assert.Empty(t, where)
	assert.Nil(t, args)

	lo, hi := 43.0, 44.0
	where, args = whereClause(Filter{NamePrefix: "100%", City: "TORONTO", MinLat: &lo, MaxLat: &hi}, pgPlaceholder)
	assert.Equal(t, ` WHERE name_key LIKE $1 ESCAPE '\' AND city_key = $2 AND latitude >= $3 AND latitude <= $4`, where)
	assert.Equal(t, []any{`100\%%`, "TORONTO", 43.0, 44.0}, args)

	where, _ = whereClause(Filter{Category: "CAFE", Province: "QC"}, sqlitePlaceholder)
	assert.Equal(t, " WHERE category_key = ? AND province = ?", where)
}

func TestOrderClause(t *testing.T) {
	lat := 1.0
	assert.Equal(t, " ORDER BY name_key, id", orderClause(Filter{}))
	assert.Equal(t, " ORDER BY latitude, id", orderClause(Filter{MinLat: &lat}))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `A\_B\%C\\`, escapeLike(`A_B%C\`))
}

func TestMergeExprs(t *testing.T) {
	exprs := mergeExprs("t")
	assert.Equal(t, "COALESCE(NULLIF(excluded.name, ''), t.name)", exprs["name"])
	assert.Equal(t, "COALESCE(excluded.employees, t.employees)", exprs["employees"])
	assert.Contains(t, exprs["geohash"], "excluded.latitude IS NOT NULL AND excluded.longitude IS NOT NULL")
	assert.Equal(t, "excluded.updated_at", exprs["updated_at"])
	_, ok := exprs["imported_at"]
	assert.False(t, ok)

	for _, c := range mergeUpdateCols() {
		assert.Contains(t, exprs, c)
	}
}

func TestBusinessRow(t *testing.T) {
	row := businessRow(model.Business{ID: "x", Name: "X"})
	assert.Len(t, row, len(businessColumns))
	assert.Nil(t, row[13])
	assert.Nil(t, row[17])

	n := 4
	row = businessRow(model.Business{ID: "x", Employees: &n})
	assert.Equal(t, 4, row[13])
}

func TestCollapseByID(t *testing.T) {
	out := collapseByID([]model.Business{
		{ID: "a", Name: "Alpha", Phone: "1"},
		{ID: "b", Name: "Beta"},
		{ID: "a", Name: "Alpha", Email: "a@x"},
	})
	assert.Len(t, out, 2)
	assert.Equal(t, "1", out[0].Phone)
	assert.Equal(t, "a@x", out[0].Email)
	assert.Equal(t, "BETA", out[1].NameKey)
}
