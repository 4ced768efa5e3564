package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"Mamori/pkg/logger"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Supported 内置的语言
var Supported = []language.Tag{language.Japanese, language.English}

// I18nSupport 国际化支持结构体
type I18nSupport struct {
	bundle  *i18n.Bundle
	matcher language.Matcher
	def     language.Tag
}

// NewI18nSupport 加载内置语言文件，defaultLang 为空时使用日语
func NewI18nSupport(defaultLang string) (*I18nSupport, error) {
	def := language.Japanese
	if defaultLang != "" {
		tag, err := language.Parse(defaultLang)
		if err != nil {
			return nil, fmt.Errorf("invalid default language %q: %w", defaultLang, err)
		}
		def = tag
	}

	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := path.Join("locales", e.Name())
		buf, err := localeFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := bundle.ParseMessageFileBytes(buf, name); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}

	tags := append([]language.Tag{def}, Supported...)
	return &I18nSupport{bundle: bundle, matcher: language.NewMatcher(tags), def: def}, nil
}

// Match 从 Accept-Language 或 lang 参数中选出支持的语言
func (i *I18nSupport) Match(preferences ...string) string {
	for _, p := range preferences {
		if p == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(p)
		if err != nil || len(tags) == 0 {
			continue
		}
		tag, _, conf := i.matcher.Match(tags...)
		if conf != language.No {
			base, _ := tag.Base()
			return base.String()
		}
	}
	base, _ := i.def.Base()
	return base.String()
}

// T 获取翻译文本，找不到时返回键名
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	localizer := i18n.NewLocalizer(i.bundle, languageTag)
	translation, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		logger.Debug("translation missing", zap.String("key", key), zap.String("lang", languageTag), zap.Error(err))
		return key
	}
	return translation
}

// TWithDefaultLang 使用默认语言获取翻译文本
func (i *I18nSupport) TWithDefaultLang(key string, templateData map[string]interface{}) string {
	return i.T(i.def.String(), key, templateData)
}
