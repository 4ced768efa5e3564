package store

import (
	"context"
	"testing"

	"Mamori/internal/models"
	"Mamori/pkg/errors"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	return New(db, nil)
}

func TestIsGuardianOfUsesCacheAndPairInvalidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.IsGuardianOf(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	// 直接写库不会穿透缓存
	require.NoError(t, models.CreatePairing(s.DB(), &models.Pairing{SubjectID: "s1", GuardianID: "g1"}))
	ok, _ = s.IsGuardianOf(ctx, "g1", "s1")
	assert.False(t, ok)

	require.NoError(t, s.Pair(ctx, "s1", "g1", models.PairingOwner))
	ok, _ = s.IsGuardianOf(ctx, "g1", "s1")
	assert.True(t, ok)

	ok, _ = s.IsGuardianOf(ctx, "", "s1")
	assert.False(t, ok)
}

func TestGuardianRecipients(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveUser(ctx, &models.User{ID: "g1", Name: "Hanako", Lang: "en"}))
	require.NoError(t, s.Pair(ctx, "s1", "g1", ""))
	require.NoError(t, s.Pair(ctx, "s1", "g2", ""))
	require.NoError(t, s.Pair(ctx, "s1", "g3", ""))
	require.NoError(t, s.RegisterToken(ctx, "g1", "tok-a", "ios"))
	require.NoError(t, s.RegisterToken(ctx, "g1", "tok-b", "android"))
	require.NoError(t, s.RegisterToken(ctx, "g2", "tok-c", "ios"))

	rs, err := s.GuardianRecipients(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rs, 2, "guardians without devices are skipped")
	byUser := map[string]Recipient{}
	for _, r := range rs {
		byUser[r.UserID] = r
	}
	assert.Equal(t, "en", byUser["g1"].Lang)
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, byUser["g1"].Tokens)
	assert.Equal(t, "", byUser["g2"].Lang)

	require.NoError(t, s.ClearToken(ctx, "g2", "tok-c"))
	rs, _ = s.GuardianRecipients(ctx, "s1")
	assert.Len(t, rs, 1)

	assert.Equal(t, "Hanako", s.DisplayName(ctx, "g1"))
	assert.Equal(t, "", s.DisplayName(ctx, "nobody"))
}

func TestSessionAndSettingLookups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.ActiveSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	_, err = s.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	_, ok, err := s.DefaultMode(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveDefaultMode(ctx, "s1", models.ModeAlarm, "g1"))
	mode, ok, err := s.DefaultMode(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.ModeAlarm, mode)
}

func TestBlockNumber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.BlockNumber(ctx, "s1", "+12025550100", "高リスク番号", "system"))
	require.NoError(t, s.BlockNumber(ctx, "s1", "+12025550100", "dup", "system"))
	ok, err := s.IsBlocked(ctx, "s1", "+12025550100")
	require.NoError(t, err)
	assert.True(t, ok)
}
