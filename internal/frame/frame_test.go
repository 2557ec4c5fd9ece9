package frame

import (
	"testing"
	"time"
)

func TestNewAndAt(t *testing.T) {
	rgb := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	f := New(2, 2, rgb, time.Now())
	r, g, b := f.At(1, 0)
	if r != 4 || g != 5 || b != 6 {
		t.Fatalf("At(1,0) = %d,%d,%d, want 4,5,6", r, g, b)
	}
	r, g, b = f.At(0, 1)
	if r != 7 || g != 8 || b != 9 {
		t.Fatalf("At(0,1) = %d,%d,%d, want 7,8,9", r, g, b)
	}
}

func TestRetainReleaseBalance(t *testing.T) {
	f := New(1, 1, []byte{0, 0, 0}, time.Now())
	snapshot := f.Retain()
	if snapshot != f {
		t.Fatal("Retain should return the same Frame pointer")
	}
	f.Release() // original owner
	f.Release() // snapshot holder
}

func TestReleaseBeyondRetainPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic from releasing more times than retained")
		}
	}()
	f := New(1, 1, []byte{0, 0, 0}, time.Now())
	f.Release()
	f.Release()
}

func TestEmpty(t *testing.T) {
	if !New(0, 5, nil, time.Now()).Empty() {
		t.Error("zero width should be empty")
	}
	if !New(5, 0, nil, time.Now()).Empty() {
		t.Error("zero height should be empty")
	}
	if New(1, 1, []byte{0, 0, 0}, time.Now()).Empty() {
		t.Error("1x1 should not be empty")
	}
}
