package middleware

import (
	"Mamori/pkg/i18n"

	"github.com/gin-gonic/gin"
)

const LangField = "lang"

// LanguageMiddleware 依次按 ?lang=、Accept-Language 选择语言，写入上下文
func LanguageMiddleware(i18nSupport *i18n.I18nSupport) gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := i18nSupport.Match(c.Query("lang"), c.GetHeader("Accept-Language"))
		c.Set(LangField, lang)
		c.Next()
	}
}

// CurrentLang 当前请求的语言
func CurrentLang(c *gin.Context) string {
	return c.GetString(LangField)
}
