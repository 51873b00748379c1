package builder

import (
	"context"
	"io"

	"yqhp/build-engine/pkg/types"
)

// Iterator yields items one at a time and returns io.EOF when exhausted.
// Iterators are not restartable.
type Iterator interface {
	Next(ctx context.Context) (types.Document, error)
}

// Counter is implemented by iterators that know their length up front.
type Counter interface {
	Count() int
}

// SliceIterator iterates over an in-memory slice.
type SliceIterator struct {
	items []types.Document
	pos   int
}

// NewSliceIterator creates an iterator over items.
func NewSliceIterator(items []types.Document) *SliceIterator {
	return &SliceIterator{items: items}
}

func (s *SliceIterator) Next(ctx context.Context) (types.Document, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *SliceIterator) Count() int { return len(s.items) }

// Peekable wraps an Iterator with a one-slot lookahead buffer.
type Peekable struct {
	it     Iterator
	head   types.Document
	err    error
	filled bool
}

// NewPeekable wraps it.
func NewPeekable(it Iterator) *Peekable {
	return &Peekable{it: it}
}

func (p *Peekable) fill(ctx context.Context) {
	if p.filled {
		return
	}
	p.head, p.err = p.it.Next(ctx)
	p.filled = true
}

// HasNext reports whether another item is available. Errors other than
// io.EOF are returned.
func (p *Peekable) HasNext(ctx context.Context) (bool, error) {
	p.fill(ctx)
	if p.err == io.EOF {
		return false, nil
	}
	if p.err != nil {
		return false, p.err
	}
	return true, nil
}

// Peek returns the next item without consuming it.
func (p *Peekable) Peek(ctx context.Context) (types.Document, error) {
	p.fill(ctx)
	return p.head, p.err
}

// Next consumes and returns the next item.
func (p *Peekable) Next(ctx context.Context) (types.Document, error) {
	p.fill(ctx)
	head, err := p.head, p.err
	if err != io.EOF {
		p.filled = false
		p.head, p.err = nil, nil
	}
	return head, err
}
