package cache

import (
	"errors"
	"syscall"
)

// isDirectoryError 识别对目录执行读写时操作系统返回的 EISDIR。
func isDirectoryError(err error) bool {
	return errors.Is(err, syscall.EISDIR)
}
