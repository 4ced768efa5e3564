package notification

import (
	"Mamori/pkg/i18n"
)

// Templates 按语言生成推送文案
type Templates struct {
	i18n *i18n.I18nSupport
}

func NewTemplates(s *i18n.I18nSupport) *Templates {
	return &Templates{i18n: s}
}

func (t *Templates) name(lang, name string) string {
	if name != "" {
		return name
	}
	return t.i18n.T(lang, "default_name", nil)
}

// EventTitle 未知事件类型使用通用标题
func (t *Templates) EventTitle(lang, eventType string) string {
	key := "title_" + eventType
	if title := t.i18n.T(lang, key, nil); title != key {
		return title
	}
	return t.i18n.T(lang, "title_default", nil)
}

func (t *Templates) EventBody(lang, subjectName string) string {
	return t.i18n.T(lang, "body_event", map[string]interface{}{"Name": t.name(lang, subjectName)})
}

func (t *Templates) SOSTitle(lang string) string {
	return t.i18n.T(lang, "title_emergency_sos", nil)
}

func (t *Templates) SOSBody(lang, subjectName string) string {
	return t.i18n.T(lang, "body_sos", map[string]interface{}{"Name": t.name(lang, subjectName)})
}
