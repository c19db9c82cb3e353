package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Snapshot is a decoded document together with its server timestamps.
type Snapshot[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Collection reads and writes documents of one collection as T using
// Firestore struct tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Create writes a new document. An existing document yields a conflict error.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

func (c *Collection[T]) Get(ctx context.Context, id string) (Snapshot[T], error) {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return Snapshot[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Snapshot[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Transform reads the document inside a transaction, lets fn edit it and writes
// the result back. Firestore reruns the whole cycle when the document changes
// underneath it, so fn must not have side effects. An error from fn aborts
// without writing and is returned unwrapped.
func (c *Collection[T]) Transform(ctx context.Context, id string, fn func(value *T) error, opts ...TxOption) (T, error) {
	if fn == nil {
		var zero T
		return zero, errors.New("firestore: transform function is required")
	}
	return c.TransformTx(ctx, id, func(_ context.Context, _ *firestore.Transaction, value *T) error {
		return fn(value)
	}, opts...)
}

// TransformTx is Transform with the running transaction exposed, so fn can read
// or create other documents in the same commit. Reads through tx must happen
// inside fn; the write of this document follows it.
func (c *Collection[T]) TransformTx(ctx context.Context, id string, fn func(ctx context.Context, tx *firestore.Transaction, value *T) error, opts ...TxOption) (T, error) {
	var result T
	if fn == nil {
		return result, errors.New("firestore: transform function is required")
	}
	ref, err := c.doc(ctx, id)
	if err != nil {
		return result, err
	}

	var rejected error
	err = c.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rejected = nil
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := decode[T](snap)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &current.Data); err != nil {
			rejected = err
			return err
		}
		if err := tx.Set(ref, current.Data); err != nil {
			return err
		}
		result = current.Data
		return nil
	}, opts...)

	switch {
	case rejected != nil:
		return *new(T), rejected
	case err != nil:
		var repoErr *Error
		if errors.As(err, &repoErr) {
			repoErr.Op = c.op("transform")
		}
		return *new(T), err
	}
	return result, nil
}

// GetTx reads a document inside tx. found is false when it does not exist.
func (c *Collection[T]) GetTx(ctx context.Context, tx *firestore.Transaction, id string) (Snapshot[T], bool, error) {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return Snapshot[T]{}, false, err
	}
	snap, err := tx.Get(ref)
	switch {
	case status.Code(err) == codes.NotFound:
		return Snapshot[T]{}, false, nil
	case err != nil:
		return Snapshot[T]{}, false, WrapError(c.op("get"), err)
	}
	doc, err := decode[T](snap)
	if err != nil {
		return Snapshot[T]{}, false, err
	}
	return doc, true, nil
}

// CreateTx queues a document creation in tx. The commit fails when it exists.
func (c *Collection[T]) CreateTx(ctx context.Context, tx *firestore.Transaction, id string, value T) error {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if err := tx.Create(ref, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Page runs query limited to size+1 documents and reports whether more follow
// the returned page.
func (c *Collection[T]) Page(ctx context.Context, size int, query func(firestore.Query) firestore.Query) ([]Snapshot[T], bool, error) {
	if size <= 0 {
		return nil, false, errors.New("firestore: page size must be positive")
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, false, err
	}
	q := coll.Query
	if query != nil {
		q = query(q)
	}

	iter := q.Limit(size + 1).Documents(ctx)
	defer iter.Stop()

	var out []Snapshot[T]
	for {
		snap, err := iter.Next()
		if isIteratorDone(err) {
			break
		}
		if err != nil {
			return nil, false, WrapError(c.op("query"), err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, false, err
		}
		out = append(out, doc)
	}
	if len(out) > size {
		return out[:size], true, nil
	}
	return out, false, nil
}

func decode[T any](snap *firestore.DocumentSnapshot) (Snapshot[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Snapshot[T]{}, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return Snapshot[T]{ID: snap.Ref.ID, Data: data, CreateTime: snap.CreateTime, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, WrapError(c.op("client"), err)
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	// Malformed ids cannot name a stored document.
	if id == "" || strings.Contains(id, "/") {
		return nil, &Error{Op: c.op("document"), Code: codes.NotFound, Err: fmt.Errorf("firestore: invalid document id %q", id)}
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	if c == nil || c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}

func isIteratorDone(err error) bool {
	return errors.Is(err, iterator.Done)
}
