package constants

// gin 上下文键
const (
	UserField    = "_mamori_uid"
	RoleField    = "_mamori_role"
	DbField      = "_mamori_db"
	RequestIDKey = "X-Request-ID"
)

// 用户角色
const (
	RoleSubject  = "elderly"
	RoleGuardian = "family"
)
