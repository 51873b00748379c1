package utils

import (
	"fmt"
	"runtime/debug"
)

// PanicError 由 Recover 捕获的 panic 转换而来
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover 在当前 goroutine 中执行 fn，将 panic 转换为 *PanicError 返回。
// 使用方式: err := utils.Recover(func() error { ... })
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// SafeGo 安全地启动一个 goroutine，自动捕获 panic 并交给 onPanic 处理
func SafeGo(fn func(), onPanic func(err *PanicError)) {
	go func() {
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(&PanicError{Value: r, Stack: debug.Stack()})
			}
		}()
		fn()
	}()
}
