package cache

import "fmt"

// 键语义：
// - subsKey(key):   资源当前订阅者（ZSet<peer, expireAtUnix>，score=expireAt）
// - metaKey(key):   资源元数据（String，JSON）
// - keysSet():      有订阅者的资源索引（Set<key>）

const (
	keySubsFmt = "braid:subs:{key:%s}" // ZSet<peer, expireAtUnix>
	keyMetaFmt = "braid:meta:{key:%s}" // String
	keyKeysSet = "braid:keys"          // Set<key>
)

func subsKey(key string) string { return fmt.Sprintf(keySubsFmt, key) }
func metaKey(key string) string { return fmt.Sprintf(keyMetaFmt, key) }
func keysSet() string           { return keyKeysSet }
