package store

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MetaStore 保存每个 key 的小块元数据（JSON），目前只有各同步对端的分叉点
type MetaStore interface {
	LoadMeta(ctx context.Context, key string) ([]byte, error)
	SaveMeta(ctx context.Context, key string, data []byte) error
	DeleteMeta(ctx context.Context, key string) error
}

var metaBucket = []byte("meta")

type BoltMetaStore struct {
	db *bolt.DB
}

func OpenBoltMetaStore(path string) (*BoltMetaStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltMetaStore{db: db}, nil
}

// LoadMeta 不存在时返回 nil, nil
func (m *BoltMetaStore) LoadMeta(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (m *BoltMetaStore) SaveMeta(ctx context.Context, key string, data []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), data)
	})
}

func (m *BoltMetaStore) DeleteMeta(ctx context.Context, key string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
}

func (m *BoltMetaStore) Close() error {
	return m.db.Close()
}
