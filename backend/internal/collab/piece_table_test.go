package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/ot/delta"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	assert.Equal(t, pt.String(), "Hello world")
	assert.Equal(t, pt.Len(), len([]rune("Hello world")))
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{}.Retain(5).Insert(" collaborative") // 在 pos=5 插入
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assert.Equal(t, pt.String(), "Hello collaborative world")
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	//  保留 "Hello"，然后删 " collaborative"
	d := delta.Delta{}.Retain(5).Delete(14)
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	assert.Equal(t, pt.String(), "Hello world")
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	if err := pt.Apply(delta.Delta{}.Retain(3).Insert("XYZ")); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "abcXYZdef")

	// 从 "b" 删到 "d"，横跨三段
	if err := pt.Apply(delta.Delta{}.Retain(1).Delete(6)); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "aef")
}

func TestPieceTable_InsertAfterEarlierPieces(t *testing.T) {
	pt := NewPieceTable("")
	for _, s := range []string{"x", "y", "z"} {
		if err := pt.Apply(delta.Delta{}.Retain(pt.Len()).Insert(s)); err != nil {
			t.Fatal(err)
		}
	}
	if err := pt.Apply(delta.Delta{}.Retain(1).Insert("-")); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "x-yz")
}

func TestPieceTable_OutOfRange(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{}.Retain(2).Delete(5))
	assert.Equal(t, err, ErrMalformedPatch)
	assert.Equal(t, pt.String(), "abc")
}

func TestPieceTable_FromPatches(t *testing.T) {
	pt := NewPieceTable("hello world")
	d := delta.FromPatches([]patch.Patch{
		{Start: 0, End: 1, Content: "J"},
		{Start: 6, End: 11, Content: "there"},
	})
	if err := pt.Apply(d); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "Jello there")
}

func TestPieceTable_RunesAndLen(t *testing.T) {
	pt := NewPieceTable("héllo")
	if err := pt.Apply(delta.Delta{}.Retain(1).Delete(1).Insert("ё")); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "hёllo")
	assert.Equal(t, pt.Len(), 5)

	if err := pt.Apply(delta.Delta{}.Delete(5)); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, pt.String(), "")
	assert.Equal(t, pt.Len(), 0)
}
