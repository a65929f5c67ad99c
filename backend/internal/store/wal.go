package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var walReplays = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "braid_wal_replays_total",
	Help: "WAL intents found at load time, by outcome.",
}, []string{"outcome"})

// 意图文件：u64 LE 追加前的文件长度 + 即将追加的带长度前缀的 chunk
func writeIntent(path string, offset int64, framed []byte) error {
	buf := make([]byte, 8, 8+len(framed))
	binary.LittleEndian.PutUint64(buf, uint64(offset))
	buf = append(buf, framed...)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// recover 处理 key 残留的意图文件。调用方持有 s.mu。
func (s *LogStore) recover(key string) error {
	ipath := s.intentPath(key)
	intent, err := os.ReadFile(ipath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// 意图本身没写完：追加还没开始，文件是完整的
	if len(intent) < 12 || uint64(len(intent)-12) != uint64(binary.LittleEndian.Uint32(intent[8:])) {
		glog.Warningf("[wal] %s: discarding incomplete intent (%d bytes)", key, len(intent))
		walReplays.WithLabelValues("discarded").Inc()
		return os.Remove(ipath)
	}
	offset := int64(binary.LittleEndian.Uint64(intent))
	framed := intent[8:]

	st := s.files[key]
	if st == nil {
		walReplays.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %s has an intent but no log file", ErrWalReplayFailed, key)
	}
	path := s.path(key, st.num)
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() < offset {
		walReplays.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %s is %d bytes, intent expects at least %d", ErrWalReplayFailed, path, fi.Size(), offset)
	}
	if err := os.Truncate(path, offset); err != nil {
		return err
	}
	if err := appendSync(path, framed); err != nil {
		return err
	}
	if err := os.Remove(ipath); err != nil {
		return err
	}
	glog.Infof("[wal] %s: replayed %d bytes at offset %d", key, len(framed), offset)
	walReplays.WithLabelValues("replayed").Inc()
	st.size = offset + int64(len(framed))
	return nil
}
