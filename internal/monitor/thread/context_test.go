package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc(t *testing.T) {
	ctx := Alloc(3)
	if got := ctx.C.Get(3); got != 1 {
		t.Errorf("C.Get(3) = %d, want 1", got)
	}
	if got := ctx.Epoch.String(); got != "1@3" {
		t.Errorf("Epoch = %s, want 1@3", got)
	}
}

func TestForkOrdersParentBeforeChild(t *testing.T) {
	parent := Alloc(0)
	before := parent.Epoch
	child := parent.Fork(1)

	assert.True(t, before.HappensBefore(child.C), "parent access before spawn must be ordered")
	assert.False(t, parent.Epoch.HappensBefore(child.C), "parent access after spawn must be concurrent")
	assert.Equal(t, "1@1", child.Epoch.String())
}

func TestJoinOrdersChildBeforeJoiner(t *testing.T) {
	parent := Alloc(0)
	child := parent.Fork(1)
	access := child.Epoch

	assert.False(t, access.HappensBefore(parent.C))
	child.Exit()
	parent.Join(child)
	assert.True(t, access.HappensBefore(parent.C))
}

func TestReleaseAcquire(t *testing.T) {
	a, b := Alloc(0), Alloc(1)
	a.Acquire(100, nil)
	require.True(t, a.Held.Contains(100))

	access := a.Epoch
	released := a.Release(100)
	assert.False(t, a.Held.Contains(100))
	assert.False(t, access.HappensBefore(b.C))

	b.Acquire(100, released)
	assert.True(t, access.HappensBefore(b.C))
	assert.False(t, a.Epoch.HappensBefore(b.C), "access after release stays concurrent")
}

func TestLockSet(t *testing.T) {
	var s LockSet
	s = s.With(30).With(10).With(20).With(10)
	assert.Equal(t, LockSet{10, 20, 30}, s)
	assert.Equal(t, LockSet{10, 30}, s.Without(20))

	tests := []struct {
		name     string
		a, b     LockSet
		disjoint bool
	}{
		{"both empty", nil, nil, true},
		{"one empty", LockSet{1}, nil, true},
		{"shared", LockSet{1, 5}, LockSet{5, 9}, false},
		{"separate", LockSet{1, 2}, LockSet{3, 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Disjoint(tt.b); got != tt.disjoint {
				t.Errorf("Disjoint() = %v, want %v", got, tt.disjoint)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, 1, r.Len())

	c1 := r.Spawn(0, 1)
	c2 := r.Spawn(1, 2)
	require.NotNil(t, c1)
	require.NotNil(t, c2)
	assert.Same(t, c2, r.Get(2))
	assert.Nil(t, r.Get(9))
	assert.Nil(t, r.Spawn(0, 1), "duplicate id")
	assert.Nil(t, r.Spawn(7, 8), "unknown parent")
	assert.Equal(t, 3, r.Len())
}
