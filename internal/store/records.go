package store

import (
	"context"
	stderrors "errors"

	"Mamori/internal/models"
	"Mamori/pkg/risk"

	"gorm.io/gorm"
)

func (s *Store) CreateSession(ctx context.Context, sess *models.EmergencySession) error {
	return translate(models.CreateEmergencySession(s.db.WithContext(ctx), sess), "create session")
}

// CreateSessionWithEvent 会话与其求助事件在同一事务内写入
func (s *Store) CreateSessionWithEvent(ctx context.Context, sess *models.EmergencySession, e *models.SafetyEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.CreateEmergencySession(tx, sess); err != nil {
			return err
		}
		return models.CreateSafetyEvent(tx, e)
	})
	return translate(err, "start session")
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.EmergencySession, error) {
	sess, err := models.GetEmergencySession(s.db.WithContext(ctx), id)
	return sess, translate(err, "session")
}

// ActiveSession 没有进行中的会话时返回 nil, nil
func (s *Store) ActiveSession(ctx context.Context, subjectID string) (*models.EmergencySession, error) {
	sess, err := models.GetActiveSession(s.db.WithContext(ctx), subjectID)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sess, translate(err, "active session")
}

func (s *Store) SaveSession(ctx context.Context, sess *models.EmergencySession) error {
	return translate(models.SaveEmergencySession(s.db.WithContext(ctx), sess), "save session")
}

func (s *Store) CreateEvent(ctx context.Context, e *models.SafetyEvent) error {
	return translate(models.CreateSafetyEvent(s.db.WithContext(ctx), e), "create event")
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.SafetyEvent, error) {
	e, err := models.GetSafetyEvent(s.db.WithContext(ctx), id)
	return e, translate(err, "event")
}

func (s *Store) ListEvents(ctx context.Context, subjectID string, offset, limit int) ([]models.SafetyEvent, int64, error) {
	events, total, err := models.ListSafetyEvents(s.db.WithContext(ctx), subjectID, offset, limit)
	return events, total, translate(err, "list events")
}

func (s *Store) UpdateEvent(ctx context.Context, id string, values map[string]interface{}) error {
	return translate(models.UpdateSafetyEvent(s.db.WithContext(ctx), id, values), "update event")
}

func (s *Store) RaiseSeverity(ctx context.Context, id string, to risk.Severity) (bool, error) {
	changed, err := models.RaiseSeverity(s.db.WithContext(ctx), id, to)
	return changed, translate(err, "raise severity")
}

func (s *Store) SaveAnalysis(ctx context.Context, r *models.AnalysisResult) error {
	return translate(models.SaveAnalysisResult(s.db.WithContext(ctx), r), "save analysis")
}

// DefaultMode 未设置时 ok 为 false
func (s *Store) DefaultMode(ctx context.Context, subjectID string) (models.SessionMode, bool, error) {
	setting, err := models.GetSosSetting(s.db.WithContext(ctx), subjectID)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err, "sos setting")
	}
	return setting.DefaultMode, true, nil
}

func (s *Store) SaveDefaultMode(ctx context.Context, subjectID string, mode models.SessionMode, actorID string) error {
	return translate(models.SaveSosSetting(s.db.WithContext(ctx), &models.SosSetting{
		SubjectID: subjectID, DefaultMode: mode, UpdatedBy: actorID,
	}), "save sos setting")
}

// BlockNumber 自动拦截，重复号码忽略
func (s *Store) BlockNumber(ctx context.Context, subjectID, phone, reason, addedBy string) error {
	return translate(models.BlockNumber(s.db.WithContext(ctx), &models.BlockedNumber{
		SubjectID: subjectID, PhoneNumber: phone, Reason: reason, AddedBy: addedBy,
	}), "block number")
}

func (s *Store) IsBlocked(ctx context.Context, subjectID, phone string) (bool, error) {
	ok, err := models.IsBlocked(s.db.WithContext(ctx), subjectID, phone)
	return ok, translate(err, "blocked number")
}
