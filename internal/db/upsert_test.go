package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "leads",
		Columns:      []string{"id", "place_id"},
		ConflictKeys: []string{"place_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_Validation(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "leads",
		ConflictKeys: []string{"place_id"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "leads",
		Columns: []string{"id"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "place_id", "name"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_leads" \(LIKE "leads"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_leads"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "leads" .* ON CONFLICT \("place_id"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "leads",
		Columns:      cols,
		ConflictKeys: []string{"place_id"},
		DoNothing:    true,
	}, [][]any{{"1", "p1", "A"}, {"2", "p2", "B"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConflictAction(t *testing.T) {
	cfg := UpsertConfig{Columns: []string{"id", "name", "phone"}, ConflictKeys: []string{"id"}}
	assert.Equal(t, `DO UPDATE SET "name" = EXCLUDED."name", "phone" = EXCLUDED."phone"`, conflictAction(cfg))

	cfg.UpdateCols = []string{"phone"}
	assert.Equal(t, `DO UPDATE SET "phone" = EXCLUDED."phone"`, conflictAction(cfg))

	cfg.DoNothing = true
	assert.Equal(t, "DO NOTHING", conflictAction(cfg))
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"runs"`, sanitizeTable("runs"))
	assert.Equal(t, `"crm"."leads"`, sanitizeTable("crm.leads"))
}
