package causal

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// MaxActorLen 是 actor 名的 UTF-8 字节上限
const MaxActorLen = 49

var ErrMalformedVersion = errors.New("MALFORMED_VERSION")

var eventPattern = regexp.MustCompile(`^(.*)-(\d+)$`)

// Event 标识一次原子编辑（插入或删除一个字符）
type Event struct {
	Actor string
	Seq   uint64
}

func (e Event) String() string {
	return e.Actor + "-" + strconv.FormatUint(e.Seq, 10)
}

// ParseEvent 解析 "actor-seq" 格式的事件名
func ParseEvent(s string) (Event, error) {
	m := eventPattern.FindStringSubmatch(s)
	if m == nil {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	if len(m[1]) > MaxActorLen {
		return Event{}, fmt.Errorf("%w: actor too long in %q", ErrMalformedVersion, s)
	}
	seq, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	return Event{Actor: m[1], Seq: seq}, nil
}

// ParseVersion 校验并解析一组外部传入的版本/父版本
func ParseVersion(version []string) ([]Event, error) {
	out := make([]Event, 0, len(version))
	for _, s := range version {
		e, err := ParseEvent(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ValidateVersion 只校验，不保留解析结果
func ValidateVersion(version []string) error {
	_, err := ParseVersion(version)
	return err
}

// Sorted 返回排好序的副本，frontier 的规范形式
func Sorted(version []string) []string {
	out := append([]string(nil), version...)
	sort.Strings(out)
	return out
}

// Equal 比较两个 frontier（都按规范排序后逐项比较）
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := Sorted(a), Sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func Strings(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	sort.Strings(out)
	return out
}
