package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// outboxRecord 表结构，Seq 自增主键即入队顺序
type outboxRecord struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"size:64;uniqueIndex"`
	Type       string `gorm:"size:32;not null"`
	Severity   string `gorm:"size:16"`
	Payload    []byte
	Latitude   *float64
	Longitude  *float64
	RetryCount int `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

func (outboxRecord) TableName() string { return "outbox_entries" }

// GormStore 基于 gorm 的持久化实现，客户端默认使用本地 sqlite 文件
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储并自动迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&outboxRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(ctx context.Context, e *Entry) error {
	rec := outboxRecord{
		ID:         e.ID,
		Type:       e.Type,
		Severity:   e.Severity,
		Payload:    []byte(e.Payload),
		Latitude:   e.Latitude,
		Longitude:  e.Longitude,
		RetryCount: e.RetryCount,
		CreatedAt:  e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	e.Seq = rec.Seq
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]Entry, error) {
	var recs []outboxRecord
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			ID:         r.ID,
			Type:       r.Type,
			Severity:   r.Severity,
			Payload:    r.Payload,
			Latitude:   r.Latitude,
			Longitude:  r.Longitude,
			CreatedAt:  r.CreatedAt,
			RetryCount: r.RetryCount,
			Seq:        r.Seq,
		})
	}
	return entries, nil
}

func (s *GormStore) UpdateRetry(ctx context.Context, id string, retryCount int) error {
	return s.db.WithContext(ctx).Model(&outboxRecord{}).
		Where("id = ?", id).
		Update("retry_count", retryCount).Error
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&outboxRecord{}).Error
}

func (s *GormStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&outboxRecord{}).Error
}
