package httpapi

// Result 统一响应包
// - code: 2000 成功，其余为错误
// - type: 'success' | 'error' | 'warning'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
	// ResultCooldown 冷却期内重复报警
	ResultCooldown = 4290
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// Warn 请求合法但未执行
func Warn(code int, message string) Result[any] {
	return Result[any]{Code: code, Type: "warning", Message: message, Result: nil}
}
