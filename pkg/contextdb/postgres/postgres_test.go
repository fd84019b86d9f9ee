package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/contextdb/contextdbtest"
)

func TestPostgresRepository_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS conversation_contexts")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	assert.NoError(t, repo.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")
	cc := contextdbtest.Sample("ctx-1", "session-1", 2)
	data, err := codec.EncodeContext(&cc)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contexts")).
		WithArgs(cc.ID, cc.SessionID, data, cc.ExpiresAt, cc.LastUpdated).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Save(context.Background(), cc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Load(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")
	cc := contextdbtest.Sample("ctx-1", "session-1", 2)
	data, err := codec.EncodeContext(&cc)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM contexts WHERE id = $1")).
		WithArgs("ctx-1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(data))

	loaded, err := repo.Load(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, cc, loaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_LoadBySessionNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM contexts WHERE session_id = $1 ORDER BY updated_at DESC LIMIT 1")).
		WithArgs("session-9").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.LoadBySession(context.Background(), "session-9")
	assert.ErrorIs(t, err, contextdb.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM contexts WHERE id = $1")).
		WithArgs("ctx-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	assert.NoError(t, repo.Delete(context.Background(), "ctx-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")
	first := contextdbtest.Sample("ctx-1", "session-1", 1)
	second := contextdbtest.Sample("ctx-2", "session-2", 3)
	firstData, err := codec.EncodeContext(&first)
	require.NoError(t, err)
	secondData, err := codec.EncodeContext(&second)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, snapshot FROM contexts ORDER BY id")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "snapshot"}).
			AddRow("ctx-1", firstData).
			AddRow("ctx-2", secondData))

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0])
	assert.Equal(t, second, all[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ListSkipsCorruptSnapshot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")
	var skipped []string
	repo.SetDecodeErrorHandler(func(id string, err error) { skipped = append(skipped, id) })
	good := contextdbtest.Sample("ctx-2", "session-2", 1)
	goodData, err := codec.EncodeContext(&good)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, snapshot FROM contexts ORDER BY id")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "snapshot"}).
			AddRow("ctx-1", []byte("garbage")).
			AddRow("ctx-2", goodData))

	all, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, good, all[0])
	assert.Equal(t, []string{"ctx-1"}, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWithPool(mock, "contexts")
	cc := contextdbtest.Sample("ctx-1", "session-1", 1)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contexts")).
		WillReturnError(errors.New("connection reset"))

	err = repo.Save(context.Background(), cc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
