package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
)

// isDuplicateKey reports whether err is the primary key (or unique index)
// firing on the relations table. Foreign key violations are not duplicates
// and keep their backend classification.
func isDuplicateKey(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// AddRelation inserts an edge. The (source, target, type) primary key is
// the single arbiter of duplicates, so concurrent inserts of the same
// triple resolve to exactly one winner and the loser gets
// model.ErrDuplicateRelation.
func (s *Store) AddRelation(ctx context.Context, r *model.Relation) error {
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO relations (source_id, target_id, type, strength, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.SourceID, r.TargetID, r.Type, r.Strength, r.CreatedAt)
		return err
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("relation %s->%s (%s): %w", r.SourceID, r.TargetID, r.Type, model.ErrDuplicateRelation)
		}
		return backendErr("inserting relation", err)
	}
	return nil
}

// UpdateRelationStrength sets the strength of an existing edge.
func (s *Store) UpdateRelationStrength(ctx context.Context, sourceID, targetID, relType string, strength float64) error {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE relations SET strength = ? WHERE source_id = ? AND target_id = ? AND type = ?`,
			strength, sourceID, targetID, relType)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return backendErr("updating relation strength", err)
	}
	if affected == 0 {
		return fmt.Errorf("relation %s->%s (%s): %w", sourceID, targetID, relType, model.ErrNotFound)
	}
	return nil
}

// Relations returns the edges where id is the source (DirOutgoing) or
// target (DirIncoming), in deterministic (target, type) order.
func (s *Store) Relations(ctx context.Context, id string, dir storage.Direction) ([]model.Relation, error) {
	column := "source_id"
	if dir == storage.DirIncoming {
		column = "target_id"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, target_id, type, strength, created_at
		 FROM relations WHERE `+column+` = ?
		 ORDER BY source_id, target_id, type`, id)
	if err != nil {
		return nil, backendErr("querying relations for "+id, err)
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		var createdAt interface{}
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength, &createdAt); err != nil {
			continue
		}
		if t, ok := scanTime(createdAt); ok {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
