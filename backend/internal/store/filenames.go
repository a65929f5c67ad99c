package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// 文件名编码：[A-Za-z0-9_-] 原样保留，其余字节写成 %XX。
// 大小写不敏感的文件系统上，含大写字母的名字追加 "~" + 大写位图（十六进制），
// 使只差大小写的两个 key 落到不同文件上。

func safeByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

func encodeKey(key string, caseInsensitive bool) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if safeByte(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	name := b.String()
	if !caseInsensitive {
		return name
	}
	bits := make([]byte, (len(name)+7)/8)
	upper := false
	for i := 0; i < len(name); i++ {
		if name[i] >= 'A' && name[i] <= 'Z' {
			bits[i/8] |= 1 << (i % 8)
			upper = true
		}
	}
	if !upper {
		return name
	}
	return name + "~" + hex.EncodeToString(bits)
}

func decodeKey(name string) (string, error) {
	if i := strings.IndexByte(name, '~'); i >= 0 {
		name = name[:i]
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			if !safeByte(c) {
				return "", fmt.Errorf("bad filename byte %q in %q", c, name)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("truncated escape in %q", name)
		}
		v, err := hex.DecodeString(name[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", name, err)
		}
		b.WriteByte(v[0])
		i += 2
	}
	return b.String(), nil
}

// nameCache 缓存 key -> 文件名
type nameCache struct {
	mu              sync.Mutex
	caseInsensitive bool
	names           map[string]string
}

func (c *nameCache) get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.names[key]; ok {
		return n
	}
	n := encodeKey(key, c.caseInsensitive)
	c.names[key] = n
	return n
}

func (c *nameCache) set(key, name string) {
	c.mu.Lock()
	c.names[key] = name
	c.mu.Unlock()
}

func (c *nameCache) forget(key string) {
	c.mu.Lock()
	delete(c.names, key)
	c.mu.Unlock()
}

// detectCaseInsensitive 在目录里建一个小写文件，再用大写名字去 stat
func detectCaseInsensitive(dir string) (bool, error) {
	f, err := os.CreateTemp(dir, "case-check-")
	if err != nil {
		return false, err
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)
	upper := filepath.Join(filepath.Dir(name), strings.ToUpper(filepath.Base(name)))
	_, err = os.Stat(upper)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
