package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBoardCollaborators(t *testing.T) {
	b := &Board{Kind: KindBoard, ID: "b1", CreatedBy: "alice@example.com"}

	assert.True(t, b.AddCollaborator("bob@example.com"))
	assert.False(t, b.AddCollaborator("bob@example.com"), "second add is a no-op")
	assert.Equal(t, []string{"bob@example.com"}, b.Collaborators)
	assert.True(t, b.HasCollaborator("bob@example.com"))
	assert.False(t, b.HasCollaborator("carol@example.com"))
}

func TestBoardCanEdit(t *testing.T) {
	tests := []struct {
		name      string
		board     Board
		principal string
		want      bool
	}{
		{
			name:      "owner",
			board:     Board{CreatedBy: "alice"},
			principal: "alice",
			want:      true,
		},
		{
			name:      "collaborator",
			board:     Board{CreatedBy: "alice", Collaborators: []string{"bob"}},
			principal: "bob",
			want:      true,
		},
		{
			name:      "stranger on private board",
			board:     Board{CreatedBy: "alice"},
			principal: "mallory",
			want:      false,
		},
		{
			name:      "stranger on public board",
			board:     Board{CreatedBy: "alice", IsPublic: true},
			principal: "mallory",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.board.CanEdit(tt.principal))
		})
	}
}

func TestShapeValidate(t *testing.T) {
	valid := Shape{Kind: KindShape, ID: "s1", BoardID: "b1", Tool: ToolPen}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		shape Shape
	}{
		{name: "missing id", shape: Shape{BoardID: "b1", Tool: ToolPen}},
		{name: "missing board id", shape: Shape{ID: "s1", Tool: ToolPen}},
		{name: "unknown tool", shape: Shape{ID: "s1", BoardID: "b1", Tool: "spraycan"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.shape.Validate())
		})
	}
}

func TestCursorStale(t *testing.T) {
	now := time.Now()
	fresh := Cursor{LastUpdated: now.Add(-10 * time.Second)}
	stale := Cursor{LastUpdated: now.Add(-45 * time.Second)}

	assert.False(t, fresh.Stale(now, 30*time.Second))
	assert.True(t, stale.Stale(now, 30*time.Second))
}

func TestTenantMembers(t *testing.T) {
	tn := &Tenant{Kind: KindTenant, Owner: "alice"}

	assert.True(t, tn.AddMember("bob"))
	assert.False(t, tn.AddMember("bob"))
	assert.True(t, tn.HasMember("bob"))
	assert.False(t, tn.HasMember("carol"))
	assert.Equal(t, []string{"bob"}, tn.Members)
}

func TestTenantKey(t *testing.T) {
	tests := []struct {
		principal string
		want      string
	}{
		{principal: "alice@example.com", want: "alice-example-com"},
		{principal: "Bob.Smith@Example.COM", want: "bob-smith-example-com"},
		{principal: "user+tag@host", want: "user-tag-host"},
		{principal: "plain", want: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.principal, func(t *testing.T) {
			assert.Equal(t, tt.want, TenantKey(tt.principal))
		})
	}
}
