package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDuplicateKey(t *testing.T) {
	dup := fmt.Errorf("create: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	assert.True(t, isDuplicateKey(dup))
	assert.False(t, isDuplicateKey(&mysql.MySQLError{Number: 1146}))
	assert.False(t, isDuplicateKey(errors.New("boom")))
}

func TestDocumentSnapshotTable(t *testing.T) {
	assert.Equal(t, "document_snapshots", DocumentSnapshot{}.TableName())
}

// 需要真实 MySQL：ROOMSYNC_TEST_MYSQL_DSN=user:pass@tcp(127.0.0.1:3306)/roomsync_test?parseTime=true
func TestSnapshotStoreMySQL(t *testing.T) {
	dsn := os.Getenv("ROOMSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: ROOMSYNC_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn, MySQLOptions{AutoMigrate: true})
	require.NoError(t, err)

	ctx := context.Background()
	room := fmt.Sprintf("T%d", time.Now().UnixNano())
	t.Cleanup(func() { db.Where("room_id = ?", room).Delete(&DocumentSnapshot{}) })

	s := NewSnapshotStore(db)
	_, _, ok, err := s.LatestSnapshot(ctx, room)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveDocumentSnapshot(ctx, room, 1, "a"))
	require.NoError(t, s.SaveDocumentSnapshot(ctx, room, 3, "abc"))
	// 重复版本被忽略
	require.NoError(t, s.SaveDocumentSnapshot(ctx, room, 3, "other"))

	content, rev, ok, err := s.LatestSnapshot(ctx, room)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", content)
	assert.Equal(t, uint64(3), rev)

	list, err := s.ListSnapshots(ctx, room, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(3), list[0].Revision)
	assert.Empty(t, list[0].Content)
}
