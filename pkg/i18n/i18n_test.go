package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	s, err := NewI18nSupport("ja")
	require.NoError(t, err)

	assert.Equal(t, "緊急SOS！", s.TWithDefaultLang("title_emergency_sos", nil))
	assert.Equal(t, "Emergency SOS!", s.T("en", "title_emergency_sos", nil))
	assert.Equal(t, "田中さんが緊急SOSを発信しました", s.T("ja", "body_sos", map[string]interface{}{"Name": "田中"}))
	assert.Equal(t, "no_such_key", s.T("ja", "no_such_key", nil))
}

func TestMatch(t *testing.T) {
	s, err := NewI18nSupport("")
	require.NoError(t, err)
	assert.Equal(t, "en", s.Match("en-US,en;q=0.9"))
	assert.Equal(t, "ja", s.Match("", "ja-JP"))
	assert.Equal(t, "ja", s.Match("fr-FR"))
	assert.Equal(t, "ja", s.Match())
}

func TestInvalidDefault(t *testing.T) {
	_, err := NewI18nSupport("!!")
	assert.Error(t, err)
}
