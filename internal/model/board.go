package model

import (
	"fmt"
	"strings"
	"time"
)

// Tool identifies the drawing tool that produced a shape
type Tool string

const (
	ToolPen       Tool = "pen"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolLine      Tool = "line"
	ToolText      Tool = "text"
)

// ValidTool reports whether t is one of the known drawing tools
func ValidTool(t Tool) bool {
	switch t {
	case ToolPen, ToolEraser, ToolRectangle, ToolCircle, ToolLine, ToolText:
		return true
	}
	return false
}

// Board represents a shared drawing board
type Board struct {
	Kind           Kind      `json:"kind"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
	Collaborators  []string  `json:"collaborators"`
	IsPublic       bool      `json:"isPublic"`
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy"`
}

// HasCollaborator reports whether principal is listed on the board
func (b *Board) HasCollaborator(principal string) bool {
	for _, c := range b.Collaborators {
		if c == principal {
			return true
		}
	}
	return false
}

// AddCollaborator appends principal to the collaborator set.
// Returns false if the principal was already present.
func (b *Board) AddCollaborator(principal string) bool {
	if b.HasCollaborator(principal) {
		return false
	}
	b.Collaborators = append(b.Collaborators, principal)
	return true
}

// CanEdit reports whether principal may modify the board
func (b *Board) CanEdit(principal string) bool {
	return b.IsPublic || b.CreatedBy == principal || b.HasCollaborator(principal)
}

// Shape is a single committed draw gesture. Shapes are immutable once
// committed: edits append a new shape, never patch an existing one.
type Shape struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	Tool        Tool      `json:"tool"`
	Color       string    `json:"color"`
	StrokeWidth float64   `json:"strokeWidth"`
	Points      []float64 `json:"points"`
	X           float64   `json:"x,omitempty"`
	Y           float64   `json:"y,omitempty"`
	Width       float64   `json:"width,omitempty"`
	Height      float64   `json:"height,omitempty"`
	Text        string    `json:"text,omitempty"`
	FontSize    float64   `json:"fontSize,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks the shape invariants before it is committed
func (s *Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("shape id is required")
	}
	if s.BoardID == "" {
		return fmt.Errorf("shape board id is required")
	}
	if !ValidTool(s.Tool) {
		return fmt.Errorf("invalid shape tool: %s", s.Tool)
	}
	return nil
}

// Cursor is per-user presence on a board. It is persisted but logically
// ephemeral: keyed singly per (board, user) so each position overwrites
// the previous one, and consumers must hide entries older than the
// configured liveness threshold.
type Cursor struct {
	Kind        Kind      `json:"kind"`
	BoardID     string    `json:"boardId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Color       string    `json:"color"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// CursorID is the single presence slot for a user on a board
func CursorID(boardID, userID string) string {
	return boardID + ":" + userID
}

// Stale reports whether the cursor is older than the liveness threshold
func (c *Cursor) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.LastUpdated) > ttl
}

// Tenant is the unit of multi-tenant isolation. The remote replica is
// authoritative for tenants; local replicas never originate writes to them.
type Tenant struct {
	Kind      Kind      `json:"kind"`
	Owner     string    `json:"owner"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasMember reports whether principal belongs to the tenant
func (t *Tenant) HasMember(principal string) bool {
	for _, m := range t.Members {
		if m == principal {
			return true
		}
	}
	return false
}

// AddMember performs an idempotent union-add into the member set.
// Returns false if the principal was already a member.
func (t *Tenant) AddMember(principal string) bool {
	if t.HasMember(principal) {
		return false
	}
	t.Members = append(t.Members, principal)
	return true
}

// TenantKey derives the tenant key from the owning principal's address.
// The key doubles as part of replica database names, so it is restricted
// to lowercase letters, digits and dashes.
func TenantKey(principal string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(principal) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
