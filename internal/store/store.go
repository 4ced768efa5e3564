package store

import (
	"context"
	stderrors "errors"
	"time"

	"Mamori/internal/models"
	"Mamori/pkg/cache"
	"Mamori/pkg/errors"
	"Mamori/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.Sentinel(errors.CodeNotFound, "record not found")

const guardianCacheTTL = 5 * time.Minute

// Store 基于 gorm 的业务存储，监护关系查询走缓存
type Store struct {
	db    *gorm.DB
	cache cache.Cache
}

// New cache 为空时使用进程内缓存
func New(db *gorm.DB, c cache.Cache) *Store {
	if c == nil {
		c = cache.NewGoCache(cache.LocalConfig{DefaultExpiration: guardianCacheTTL, CleanupInterval: time.Minute})
	}
	return &Store{db: db, cache: c}
}

func (s *Store) DB() *gorm.DB { return s.db }

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, what+" not found")
	}
	return errors.Wrap(err, what)
}

func guardianKey(guardianID, subjectID string) string {
	return "guardian:" + subjectID + ":" + guardianID
}

// IsGuardianOf 结果缓存 guardianCacheTTL，缓存不可用时直接查库
func (s *Store) IsGuardianOf(ctx context.Context, guardianID, subjectID string) (bool, error) {
	if guardianID == "" || subjectID == "" {
		return false, nil
	}
	key := guardianKey(guardianID, subjectID)
	if v, found, err := cache.GetJSON[bool](ctx, s.cache, key); err == nil && found {
		return v, nil
	}
	ok, err := models.IsGuardianOf(s.db.WithContext(ctx), guardianID, subjectID)
	if err != nil {
		return false, errors.Wrap(err, "check pairing")
	}
	if err := cache.SetJSON(ctx, s.cache, key, ok, guardianCacheTTL); err != nil {
		logger.Debug("guardian cache write failed", zap.Error(err))
	}
	return ok, nil
}

// Pair 建立监护关系并清除缓存
func (s *Store) Pair(ctx context.Context, subjectID, guardianID string, role models.PairingRole) error {
	if role == "" {
		role = models.PairingMember
	}
	err := models.CreatePairing(s.db.WithContext(ctx), &models.Pairing{SubjectID: subjectID, GuardianID: guardianID, Role: role})
	if err != nil {
		return errors.Wrap(err, "create pairing")
	}
	_ = s.cache.Delete(ctx, guardianKey(guardianID, subjectID))
	return nil
}

// Recipient 一个监护人及其设备
type Recipient struct {
	UserID string
	Lang   string
	Tokens []string
}

// GuardianRecipients 被监护人全部监护人的推送目标
func (s *Store) GuardianRecipients(ctx context.Context, subjectID string) ([]Recipient, error) {
	db := s.db.WithContext(ctx)
	ids, err := models.GuardianIDs(db, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, "list guardians")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var users []models.User
	if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "load guardians")
	}
	langs := make(map[string]string, len(users))
	for _, u := range users {
		langs[u.ID] = u.Lang
	}

	var tokens []models.DeviceToken
	if err := db.Where("user_id IN ?", ids).Find(&tokens).Error; err != nil {
		return nil, errors.Wrap(err, "load device tokens")
	}
	byUser := make(map[string][]string, len(ids))
	for _, t := range tokens {
		byUser[t.UserID] = append(byUser[t.UserID], t.Token)
	}

	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		if len(byUser[id]) == 0 {
			continue
		}
		out = append(out, Recipient{UserID: id, Lang: langs[id], Tokens: byUser[id]})
	}
	return out, nil
}

// DisplayName 用户名，查不到时返回空串
func (s *Store) DisplayName(ctx context.Context, userID string) string {
	u, err := models.GetUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return ""
	}
	return u.Name
}

// SaveUser 新建或覆盖用户
func (s *Store) SaveUser(ctx context.Context, u *models.User) error {
	return translate(s.db.WithContext(ctx).Save(u).Error, "save user")
}

// RegisterToken 登记设备推送令牌
func (s *Store) RegisterToken(ctx context.Context, userID, token, platform string) error {
	return translate(models.UpsertDeviceToken(s.db.WithContext(ctx), &models.DeviceToken{
		UserID: userID, Token: token, Platform: platform,
	}), "register token")
}

// ClearToken 推送服务报告令牌失效时调用
func (s *Store) ClearToken(ctx context.Context, userID, token string) error {
	return translate(models.DeleteDeviceToken(s.db.WithContext(ctx), userID, token), "clear token")
}
