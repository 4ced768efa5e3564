package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"Mamori/pkg/logger"
	"Mamori/pkg/scheduler"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const filePrefix = "mamori_"

// ErrUnsupportedDriver mysql/pg 由数据库自身的备份工具负责
var ErrUnsupportedDriver = fmt.Errorf("backup: only the sqlite driver is supported")

// Snapshotter 定期把 sqlite 数据库在线快照到目录下，只保留最近 keep 份
type Snapshotter struct {
	db     *gorm.DB
	driver string
	dir    string
	keep   int
	now    func() time.Time
}

type Option func(*Snapshotter)

// WithClock 测试用
func WithClock(now func() time.Time) Option {
	return func(s *Snapshotter) { s.now = now }
}

func New(db *gorm.DB, driver, dir string, keep int, opts ...Option) *Snapshotter {
	if driver == "" {
		driver = "sqlite"
	}
	if keep <= 0 {
		keep = 7
	}
	s := &Snapshotter{db: db, driver: driver, dir: dir, keep: keep, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 执行一次快照，返回快照路径
func (s *Snapshotter) Run(ctx context.Context) (string, error) {
	if s.driver != "sqlite" {
		return "", ErrUnsupportedDriver
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	dst := filepath.Join(s.dir, fmt.Sprintf("%s%s.db", filePrefix, s.now().Format("20060102_150405")))
	// VACUUM INTO 在不阻塞读的前提下生成一致的快照文件
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", dst).Error; err != nil {
		return "", fmt.Errorf("snapshot %s: %w", dst, err)
	}
	if err := s.prune(); err != nil {
		logger.Warn("backup prune failed", zap.Error(err))
	}
	return dst, nil
}

// prune 文件名按时间排序，删除超出保留份数的旧快照
func (s *Snapshotter) prune() error {
	files, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*.db"))
	if err != nil {
		return err
	}
	if len(files) <= s.keep {
		return nil
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-s.keep] {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}

// Schedule 注册到 cron，失败只记录日志
func (s *Snapshotter) Schedule(cr *scheduler.Cron, expr string) error {
	if s.driver != "sqlite" {
		return ErrUnsupportedDriver
	}
	_, err := cr.AddWithCtx(expr, func(ctx context.Context) {
		dst, err := s.Run(ctx)
		if err != nil {
			logger.Warn("backup failed", zap.Error(err))
			return
		}
		logger.Info("backup completed", zap.String("file", dst))
	})
	return err
}
