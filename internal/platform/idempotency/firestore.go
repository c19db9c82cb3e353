package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/gigconnect/api/internal/platform/firestore"
)

const (
	defaultCollection   = "idempotencyKeys"
	defaultMaxAttempts  = 5
	defaultCleanupLimit = 100
)

type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding idempotency records.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts caps transaction retries for Reserve and SaveResponse.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore shares the order database's provider so records live next to the
// orders they protect.
type FirestoreStore struct {
	provider    *pfirestore.Provider
	collection  string
	maxAttempts int
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		provider:    provider,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	var result Reservation
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		res, write, err := reserve(stored, found, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		if write {
			if err := tx.Set(ref, encodeRecord(res.Record)); err != nil {
				return err
			}
		}
		result = res
		return nil
	}, pfirestore.WithTxAttempts(s.maxAttempts))
	if err != nil {
		return Reservation{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		record, err := complete(stored, found, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return tx.Set(ref, encodeRecord(record))
	}, pfirestore.WithTxAttempts(s.maxAttempts))
	return pfirestore.WrapError("idempotency.save", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

// CleanupExpired deletes one batch of expired records. The caller loops on a ticker.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	docs, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := batch.Delete(doc.Ref); err != nil {
			batch.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	batch.End()
	return len(docs), nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	if s == nil || s.provider == nil {
		return nil, errors.New("idempotency: firestore provider is nil")
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("idempotency.client", err)
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var doc recordDocument
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, false, err
	}
	return doc.record(), true, nil
}

type recordDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func encodeRecord(r Record) recordDocument {
	return recordDocument{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.Response.Status,
		ResponseHeaders: r.Response.Headers,
		ResponseBody:    r.Response.Body,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (d recordDocument) record() Record {
	return Record{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Status:      Status(d.Status),
		Response: Response{
			Status:  d.ResponseStatus,
			Headers: http.Header(d.ResponseHeaders),
			Body:    d.ResponseBody,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}
