package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// TextSnapshot 对应 text_snapshots 表，(resource_key, version_hash) 唯一。
// 版本本身可能很长，唯一索引只建在定长的 sha256 上，整个索引不超过 InnoDB 的 3072 字节。
type TextSnapshot struct {
	ID          uint64 `gorm:"primaryKey"`
	ResourceKey string `gorm:"size:191;uniqueIndex:uk_key_version"`
	VersionHash string `gorm:"type:char(64);size:64;uniqueIndex:uk_key_version"`
	Version     string `gorm:"type:text"`
	Content     string `gorm:"type:longtext"`
	CreatedAt   time.Time
}

// versionHash 与事件顺序无关
func versionHash(version []string) string {
	sorted := append([]string(nil), version...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

var ErrNoSnapshot = errors.New("NO_SNAPSHOT")

type SnapshotArchive struct{ db *gorm.DB }

func NewSnapshotArchive(db *gorm.DB) *SnapshotArchive {
	return &SnapshotArchive{db: db}
}

func (s *SnapshotArchive) Migrate() error {
	return s.db.AutoMigrate(&TextSnapshot{})
}

// SaveSnapshot 写入一份快照；同一版本重复写入视为成功
func (s *SnapshotArchive) SaveSnapshot(ctx context.Context, key string, version []string, content string) error {
	row := TextSnapshot{
		ResourceKey: key,
		VersionHash: versionHash(version),
		Version:     strings.Join(version, ","),
		Content:     content,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 返回 key 最近一次归档；没有时返回 ErrNoSnapshot
func (s *SnapshotArchive) LatestSnapshot(ctx context.Context, key string) (*TextSnapshot, error) {
	var row TextSnapshot
	err := s.db.WithContext(ctx).
		Where("resource_key = ?", key).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SnapshotArchive) DeleteSnapshots(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("resource_key = ?", key).Delete(&TextSnapshot{}).Error
}
