package collab

import (
	"errors"
	"fmt"
	"strings"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

var (
	ErrMalformedVersion  = causal.ErrMalformedVersion
	ErrMalformedPatch    = errors.New("MALFORMED_PATCH")
	ErrVersionUnknown    = errors.New("VERSION_UNKNOWN")
	ErrParentsNotArrived = errors.New("PARENTS_NOT_ARRIVED_IN_TIME")
	ErrContentIntegrity  = errors.New("CONTENT_INTEGRITY_MISMATCH")
	ErrReplayDiverged    = errors.New("REPLAY_DIVERGED")
	ErrBusy              = errors.New("RESOURCE_BUSY")
	ErrClosed            = errors.New("SERVICE_CLOSED")
	// 空 key 在日志目录里没有可恢复的文件名
	ErrEmptyKey = errors.New("EMPTY_KEY")
)

// VersionUnknownError 携带本地缺失的事件，调用方据此重试
type VersionUnknownError struct {
	Missing []string
	// Cause 为 ErrParentsNotArrived 时表示等待超时
	Cause error
}

func (e *VersionUnknownError) Error() string {
	msg := "version unknown: " + strings.Join(e.Missing, ", ")
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

func (e *VersionUnknownError) Is(target error) bool {
	return target == ErrVersionUnknown || (e.Cause != nil && errors.Is(e.Cause, target))
}

func unknown(missing []causal.Event, cause error) error {
	return &VersionUnknownError{Missing: causal.Strings(missing), Cause: cause}
}

// isClientError 判断错误是否由请求本身引起（可重试或需修正请求）
func isClientError(err error) bool {
	for _, target := range []error{ErrEmptyKey, ErrMalformedVersion, ErrMalformedPatch, ErrVersionUnknown, ErrBusy, ErrContentIntegrity, ErrReplayDiverged} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
