package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBoltMetaStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	m, err := OpenBoltMetaStore(path)
	if err != nil {
		t.Fatalf("OpenBoltMetaStore() error = %v", err)
	}
	ctx := context.Background()

	got, err := m.LoadMeta(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 0)

	assert.Equal(t, m.SaveMeta(ctx, "doc", []byte(`{"fork_points":{}}`)), nil)
	assert.Equal(t, m.Close(), nil)

	// 重新打开后数据仍在
	m, err = OpenBoltMetaStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer m.Close()
	got, err = m.LoadMeta(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(got), `{"fork_points":{}}`)

	assert.Equal(t, m.DeleteMeta(ctx, "doc"), nil)
	got, err = m.LoadMeta(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 0)
}
