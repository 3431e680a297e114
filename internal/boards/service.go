// Package boards is the write path for board, shape and cursor documents.
// Every operation resolves the active session first and touches only the
// local replica; the replication driver ships the writes outward.
package boards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/session"
	"github.com/froz-husain/sketchsync/internal/store"
)

// Service mutates board documents on the active tenant's local replica
type Service struct {
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates a board service
func NewService(sessions *session.Manager, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{sessions: sessions, metrics: m, logger: logger}
}

// CreateBoard creates a new board owned by principal
func (s *Service) CreateBoard(ctx context.Context, name, principal string) (*model.Board, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	board := &model.Board{
		Kind:           model.KindBoard,
		ID:             uuid.NewString(),
		Name:           name,
		CreatedBy:      principal,
		CreatedAt:      now,
		Collaborators:  []string{},
		LastModified:   now,
		LastModifiedBy: principal,
	}

	doc, err := model.NewDocument(model.Key(model.KindBoard, board.ID), board)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Local().Put(ctx, doc); err != nil {
		return nil, err
	}
	return board, nil
}

// GetBoard fetches a board by id
func (s *Service) GetBoard(ctx context.Context, boardID string) (*model.Board, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := sess.Local().Get(ctx, model.Key(model.KindBoard, boardID))
	if err != nil {
		return nil, err
	}
	return doc.Board()
}

// ListBoards returns every board in the active tenant, in key order
func (s *Service) ListBoards(ctx context.Context) ([]model.Board, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	start, end := model.KindRange(model.KindBoard)
	docs, err := sess.Local().List(ctx, start, end)
	if err != nil {
		return nil, err
	}

	boards := make([]model.Board, 0, len(docs))
	for i := range docs {
		board, err := docs[i].Board()
		if err != nil {
			s.logger.Warn("skipping undecodable board", zap.String("key", docs[i].Key), zap.Error(err))
			continue
		}
		boards = append(boards, *board)
	}
	return boards, nil
}

// UpdateBoard applies mutate to the board under the read-modify-write
// retry loop, so concurrent edits of set-valued fields merge instead of
// clobbering each other. CreatedBy and CreatedAt are immutable and always
// restored from the stored document.
func (s *Service) UpdateBoard(ctx context.Context, boardID, principal string, mutate func(*model.Board) error) (*model.Board, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	var updated *model.Board
	_, err = store.UpdateWithRetry(ctx, sess.Local(), model.Key(model.KindBoard, boardID),
		func(current *model.Document) (*model.Document, error) {
			if current == nil {
				return nil, fmt.Errorf("update board %s: %w", boardID, store.ErrNotFound)
			}
			board, err := current.Board()
			if err != nil {
				return nil, err
			}

			createdBy, createdAt := board.CreatedBy, board.CreatedAt
			if err := mutate(board); err != nil {
				return nil, err
			}
			board.CreatedBy = createdBy
			board.CreatedAt = createdAt
			board.LastModified = time.Now().UTC()
			board.LastModifiedBy = principal

			updated = board
			return model.NewDocument(current.Key, board)
		}, store.DefaultUpdateAttempts)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddCollaborator union-adds principal onto the board's collaborator set.
// Re-adding a present principal writes nothing, so a caller retrying after
// a lost replication race converges instead of producing fresh conflicts.
func (s *Service) AddCollaborator(ctx context.Context, boardID, actor, principal string) (*model.Board, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	var result *model.Board
	_, err = store.UpdateWithRetry(ctx, sess.Local(), model.Key(model.KindBoard, boardID),
		func(current *model.Document) (*model.Document, error) {
			if current == nil {
				return nil, fmt.Errorf("add collaborator to %s: %w", boardID, store.ErrNotFound)
			}
			board, err := current.Board()
			if err != nil {
				return nil, err
			}
			result = board
			if !board.AddCollaborator(principal) {
				return nil, nil // already present, leave untouched
			}
			board.LastModified = time.Now().UTC()
			board.LastModifiedBy = actor
			return model.NewDocument(current.Key, board)
		}, store.DefaultUpdateAttempts)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteBoard deletes a board and cascades to every shape referencing it.
// Only the board owner may delete.
func (s *Service) DeleteBoard(ctx context.Context, boardID, principal string) error {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return err
	}
	local := sess.Local()

	doc, err := local.Get(ctx, model.Key(model.KindBoard, boardID))
	if err != nil {
		return err
	}
	board, err := doc.Board()
	if err != nil {
		return err
	}
	if board.CreatedBy != principal {
		return fmt.Errorf("delete board %s: only the owner may delete", boardID)
	}

	start, end := model.KindRange(model.KindShape)
	shapeDocs, err := local.List(ctx, start, end)
	if err != nil {
		return err
	}
	for i := range shapeDocs {
		shape, err := shapeDocs[i].Shape()
		if err != nil || shape.BoardID != boardID {
			continue
		}
		if err := local.Delete(ctx, shapeDocs[i].Key, shapeDocs[i].Rev); err != nil {
			return fmt.Errorf("cascade delete shape %s: %w", shape.ID, err)
		}
	}

	if err := local.Delete(ctx, doc.Key, doc.Rev); err != nil {
		return err
	}

	s.logger.Info("board deleted",
		zap.String("board", boardID),
		zap.Int("shapes", len(shapeDocs)))
	return nil
}

// AddShape commits a completed draw gesture. Shapes are immutable: there
// is deliberately no update operation.
func (s *Service) AddShape(ctx context.Context, shape *model.Shape) (*model.Shape, error) {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	if shape.ID == "" {
		shape.ID = uuid.NewString()
	}
	if shape.CreatedAt.IsZero() {
		shape.CreatedAt = time.Now().UTC()
	}
	shape.Kind = model.KindShape
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	doc, err := model.NewDocument(model.Key(model.KindShape, shape.ID), shape)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Local().Put(ctx, doc); err != nil {
		return nil, err
	}
	return shape, nil
}

// DeleteShape removes a single shape
func (s *Service) DeleteShape(ctx context.Context, shapeID string) error {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return err
	}
	local := sess.Local()

	doc, err := local.Get(ctx, model.Key(model.KindShape, shapeID))
	if err != nil {
		return err
	}
	return local.Delete(ctx, doc.Key, doc.Rev)
}

// TouchCursor overwrites the caller's presence slot on a board. Each user
// has exactly one cursor document per board, so a new position replaces
// the previous one with no history.
func (s *Service) TouchCursor(ctx context.Context, cursor *model.Cursor) error {
	sess, err := s.sessions.EnsureActive(ctx)
	if err != nil {
		return err
	}

	cursor.Kind = model.KindCursor
	cursor.LastUpdated = time.Now().UTC()
	key := model.Key(model.KindCursor, model.CursorID(cursor.BoardID, cursor.UserID))

	_, err = store.UpdateWithRetry(ctx, sess.Local(), key,
		func(current *model.Document) (*model.Document, error) {
			return model.NewDocument(key, cursor)
		}, store.DefaultUpdateAttempts)
	if errors.Is(err, store.ErrConflict) && s.metrics != nil {
		s.metrics.UpdateConflicts.WithLabelValues("cursor").Inc()
	}
	return err
}
