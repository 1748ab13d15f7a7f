package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Entity is a record type that knows its id.
type Entity[T any] interface {
	RecordID() string
	WithID(id string) T
}

// Collection is a typed view of one engine collection. Every mutation is a
// full-collection save except Remove, which is a point delete.
type Collection[T Entity[T]] struct {
	engine *Engine
	name   string
}

func NewCollection[T Entity[T]](e *Engine, name string) *Collection[T] {
	return &Collection[T]{engine: e, name: name}
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	recs, err := c.engine.Get(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.name, r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Add appends item, assigning a new id when it has none.
func (c *Collection[T]) Add(ctx context.Context, item T) (T, error) {
	items, err := c.List(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if item.RecordID() == "" {
		item = item.WithID(uuid.NewString())
	}
	if err := c.ReplaceAll(ctx, append(items, item)); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Update replaces the stored item with the same id.
func (c *Collection[T]) Update(ctx context.Context, item T) error {
	items, err := c.List(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].RecordID() == item.RecordID() {
			items[i] = item
			return c.ReplaceAll(ctx, items)
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, item.RecordID())
}

func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	return c.engine.Delete(ctx, c.name, id)
}

// ReplaceAll saves items as the whole collection.
func (c *Collection[T]) ReplaceAll(ctx context.Context, items []T) error {
	recs := make([]Record, 0, len(items))
	for _, it := range items {
		if it.RecordID() == "" {
			it = it.WithID(uuid.NewString())
		}
		b, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", c.name, it.RecordID(), err)
		}
		recs = append(recs, Record{ID: it.RecordID(), Data: b})
	}
	return c.engine.Save(ctx, c.name, recs)
}
