package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRevDeterministic(t *testing.T) {
	a := NewRev("", []byte(`{"x":1}`))
	b := NewRev("", []byte(`{"x":1}`))
	assert.Equal(t, a, b, "same parent and body produce the same token")

	c := NewRev("", []byte(`{"x":2}`))
	assert.NotEqual(t, a, c, "different bodies diverge at the same generation")
}

func TestNewRevGenerations(t *testing.T) {
	r1 := NewRev("", []byte("one"))
	r2 := NewRev(r1, []byte("two"))
	r3 := NewRev(r2, []byte("three"))

	assert.Equal(t, int64(1), RevGeneration(r1))
	assert.Equal(t, int64(2), RevGeneration(r2))
	assert.Equal(t, int64(3), RevGeneration(r3))
}

func TestRevGenerationMalformed(t *testing.T) {
	assert.Equal(t, int64(0), RevGeneration(""))
	assert.Equal(t, int64(0), RevGeneration("noseparator"))
	assert.Equal(t, int64(0), RevGeneration("x-abc"))
}

func TestSupersedes(t *testing.T) {
	r1 := NewRev("", []byte("base"))
	r2 := NewRev(r1, []byte("next"))

	t.Run("higher generation wins", func(t *testing.T) {
		assert.True(t, Supersedes(r2, r1))
		assert.False(t, Supersedes(r1, r2))
	})

	t.Run("anything beats empty", func(t *testing.T) {
		assert.True(t, Supersedes(r1, ""))
		assert.False(t, Supersedes("", r1))
		assert.False(t, Supersedes("", ""))
	})

	t.Run("equal generations break ties by hash", func(t *testing.T) {
		a := NewRev(r1, []byte("fork-a"))
		b := NewRev(r1, []byte("fork-b"))
		assert.NotEqual(t, a, b)

		// Exactly one direction wins, and both replicas agree on it
		assert.NotEqual(t, Supersedes(a, b), Supersedes(b, a))
	})

	t.Run("never supersedes itself", func(t *testing.T) {
		assert.False(t, Supersedes(r1, r1))
	})
}
