package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

var (
	ErrWalReplayFailed  = errors.New("WAL_REPLAY_FAILED")
	ErrFilenameConflict = errors.New("FILENAME_CONFLICT")
	ErrCorruptLog       = errors.New("CORRUPT_LOG")
)

// 单个文件超过首个 chunk 的 rollFactor 倍时换新文件
const rollFactor = 10

type CaseMode string

const (
	CaseAuto        CaseMode = "auto"
	CaseSensitive   CaseMode = "false"
	CaseInsensitive CaseMode = "true"
)

type fileState struct {
	num        int
	size       int64
	firstChunk int64
}

// LogStore 按 key 保存追加写的 chunk 序列（u32 LE 长度 + 原始字节）
type LogStore struct {
	dir   string
	names *nameCache

	mu    sync.Mutex
	files map[string]*fileState
}

// OpenLogStore 打开目录并扫描已有文件；大小写冲突在这里报出
func OpenLogStore(dir string, mode CaseMode) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ci := mode == CaseInsensitive
	if mode == CaseAuto || mode == "" {
		var err error
		if ci, err = detectCaseInsensitive(dir); err != nil {
			return nil, fmt.Errorf("detect case sensitivity: %w", err)
		}
	}
	s := &LogStore{
		dir:   dir,
		names: &nameCache{caseInsensitive: ci, names: make(map[string]string)},
		files: make(map[string]*fileState),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	glog.Infof("[store] opened %s (case-insensitive=%v, %d keys)", dir, ci, len(s.files))
	return s, nil
}

func splitName(name string) (enc string, num int, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return name[:i], n, true
}

func (s *LogStore) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	folded := make(map[string]string)
	encOf := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		enc, num, ok := splitName(e.Name())
		if !ok {
			continue
		}
		key, err := decodeKey(enc)
		if err != nil {
			glog.Warningf("[store] skip %s: %v", e.Name(), err)
			continue
		}
		if s.names.caseInsensitive {
			f := strings.ToLower(enc)
			if other, ok := folded[f]; ok && other != key {
				return fmt.Errorf("%w: %q and %q", ErrFilenameConflict, other, key)
			}
			folded[f] = key
		}
		if prev, ok := encOf[key]; ok && prev != enc {
			return fmt.Errorf("%w: %q stored as both %s and %s", ErrFilenameConflict, key, prev, enc)
		}
		encOf[key] = enc
		s.names.set(key, enc)
		st := s.files[key]
		if st == nil || num > st.num {
			s.files[key] = &fileState{num: num, size: -1}
		}
	}
	return nil
}

func (s *LogStore) path(key string, num int) string {
	return filepath.Join(s.dir, s.names.get(key)+"."+strconv.Itoa(num))
}

func (s *LogStore) intentPath(key string) string {
	return filepath.Join(s.dir, s.names.get(key)+".wal")
}

// Keys 返回已持久化的 key，按字典序
func (s *LogStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.files))
	for k := range s.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load 先处理残留的 WAL 意图，再读出 key 当前文件里的全部 chunk
func (s *LogStore) Load(key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recover(key); err != nil {
		return nil, err
	}
	st := s.files[key]
	if st == nil {
		return nil, nil
	}
	s.removeOlder(key, st.num)
	buf, err := os.ReadFile(s.path(key, st.num))
	if err != nil {
		return nil, err
	}
	chunks, err := splitChunks(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path(key, st.num), err)
	}
	st.size = int64(len(buf))
	if len(chunks) > 0 {
		st.firstChunk = int64(4 + len(chunks[0]))
	}
	return chunks, nil
}

func splitChunks(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: torn length prefix", ErrCorruptLog)
		}
		n := binary.LittleEndian.Uint32(buf)
		if uint64(len(buf)-4) < uint64(n) {
			return nil, fmt.Errorf("%w: chunk of %d bytes past end", ErrCorruptLog, n)
		}
		out = append(out, buf[4:4+n])
		buf = buf[4+n:]
	}
	return out, nil
}

func frame(chunk []byte) []byte {
	out := make([]byte, 4, 4+len(chunk))
	binary.LittleEndian.PutUint32(out, uint32(len(chunk)))
	return append(out, chunk...)
}

// removeOlder 删除换文件时没来得及删掉的旧文件
func (s *LogStore) removeOlder(key string, num int) {
	for n := num - 1; n >= 0; n-- {
		p := s.path(key, n)
		if _, err := os.Stat(p); err != nil {
			break
		}
		if err := os.Remove(p); err != nil {
			glog.Warningf("[store] remove stale %s: %v", p, err)
		}
	}
}

// Append 追加一个 chunk。文件过大时改为写一个以 snapshot() 开头的新文件。
func (s *LogStore) Append(key string, chunk []byte, snapshot func() []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.files[key]
	if st == nil {
		return s.writeFresh(key, 0, chunk)
	}
	if st.size < 0 {
		fi, err := os.Stat(s.path(key, st.num))
		if err != nil {
			return err
		}
		st.size = fi.Size()
	}
	if st.firstChunk > 0 && st.size > rollFactor*st.firstChunk && snapshot != nil {
		old := st.num
		if err := s.writeFresh(key, old+1, snapshot()); err != nil {
			return err
		}
		if err := os.Remove(s.path(key, old)); err != nil {
			glog.Warningf("[store] remove rolled %s: %v", s.path(key, old), err)
		}
		return nil
	}

	framed := frame(chunk)
	if err := writeIntent(s.intentPath(key), st.size, framed); err != nil {
		return fmt.Errorf("write intent: %w", err)
	}
	if err := appendSync(s.path(key, st.num), framed); err != nil {
		return err
	}
	if err := os.Remove(s.intentPath(key)); err != nil {
		return fmt.Errorf("remove intent: %w", err)
	}
	st.size += int64(len(framed))
	if st.firstChunk == 0 {
		st.firstChunk = int64(len(framed))
	}
	return nil
}

// writeFresh 通过临时文件 + rename 原子地写出只含一个 chunk 的新文件
func (s *LogStore) writeFresh(key string, num int, chunk []byte) error {
	framed := frame(chunk)
	tmp, err := os.CreateTemp(s.dir, "tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(key, num)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.files[key] = &fileState{num: num, size: int64(len(framed)), firstChunk: int64(len(framed))}
	return nil
}

func appendSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete 删除 key 的全部文件
func (s *LogStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if st := s.files[key]; st != nil {
		for n := st.num; n >= 0; n-- {
			if err := os.Remove(s.path(key, n)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	if err := os.Remove(s.intentPath(key)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	delete(s.files, key)
	s.names.forget(key)
	return errors.Join(errs...)
}
