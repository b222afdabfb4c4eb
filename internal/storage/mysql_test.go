package storage

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
)

// newMockMySQL wires the gorm MySQL dialect onto sqlmock so the exact SQL
// of the atomic updates can be asserted without a server.
func newMockMySQL(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: newGormLogger(logger.Discard(), "silent")})
	require.NoError(t, err)

	return NewForTestWithDB(gdb, logger.Discard()), mock
}

func TestMySQL_IncrementDeploymentSteps(t *testing.T) {
	t.Run("should guard the increment in the WHERE clause", func(t *testing.T) {
		db, mock := newMockMySQL(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `deployments` SET `completed_steps`=completed_steps \\+ \\?.*WHERE .*completed_steps < total_steps").
			WithArgs(1, sqlmock.AnyArg(), uint(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		moved, err := db.IncrementDeploymentSteps(7)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should report no movement when the guard rejects", func(t *testing.T) {
		db, mock := newMockMySQL(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `deployments`").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		moved, err := db.IncrementDeploymentSteps(7)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQL_CompareAndSetNodeStatus(t *testing.T) {
	db, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `nodes` SET `status`=\\?.*WHERE id = \\? AND status IN \\(\\?\\)").
		WithArgs(models.NodeStatusStarting, sqlmock.AnyArg(), uint(3), models.NodeStatusOffline).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := db.CompareAndSetNodeStatus(3, []models.NodeStatus{models.NodeStatusOffline}, models.NodeStatusStarting)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
