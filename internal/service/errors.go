package service

import (
	"errors"
	"fmt"
)

// ErrInvalidInput 调用方输入无效，不产生任何状态变化
var ErrInvalidInput = errors.New("invalid input")

var (
	ErrInvalidKind   = fmt.Errorf("%w: unknown alert kind", ErrInvalidInput)
	ErrInvalidAction = fmt.Errorf("%w: unknown action", ErrInvalidInput)
	ErrForbidden     = fmt.Errorf("%w: not allowed to act on this alert", ErrInvalidInput)
	ErrAlertClosed   = fmt.Errorf("%w: alert is no longer open", ErrInvalidInput)
)

// ErrAlertNotFound 报警不存在
var ErrAlertNotFound = errors.New("alert not found")
