package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DocumentSnapshot 房间文档在某个版本的完整内容，(room_id, revision) 唯一
type DocumentSnapshot struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	RoomID    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_room_revision,priority:1"`
	Revision  uint64    `gorm:"not null;uniqueIndex:uk_room_revision,priority:2"`
	Content   string    `gorm:"type:longtext;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 同一版本重复保存直接忽略
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error {
	err := s.db.WithContext(ctx).Create(&DocumentSnapshot{
		RoomID:   roomID,
		Revision: rev,
		Content:  content,
	}).Error
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 取版本号最大的一条；没有时 ok=false
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, roomID string) (string, uint64, bool, error) {
	var snap DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("revision DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return snap.Content, snap.Revision, true, nil
}

// ListSnapshots 某房间的历史快照（不含内容），按版本倒序
func (s *SnapshotStore) ListSnapshots(ctx context.Context, roomID string, limit int) ([]DocumentSnapshot, error) {
	var out []DocumentSnapshot
	q := s.db.WithContext(ctx).
		Select("id", "room_id", "revision", "created_at").
		Where("room_id = ?", roomID).
		Order("revision DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
