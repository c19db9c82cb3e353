package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"

	"github.com/gigconnect/api/internal/services"
)

const publicStorageHost = "https://storage.googleapis.com"

// ObjectWriter is the subset of Cloud Storage used by EvidenceStore.
type ObjectWriter interface {
	Create(ctx context.Context, bucket, object string, body []byte, attrs ObjectAttrs) error
	Delete(ctx context.Context, bucket, object string) error
}

// ObjectAttrs are the attributes written alongside an object.
type ObjectAttrs struct {
	ContentType string
	Metadata    map[string]string
}

// EvidenceStore keeps dispute evidence in a Cloud Storage bucket under
// assets/orders/{orderId}/disputes/{assetId}/{fileName}.
type EvidenceStore struct {
	bucket  string
	objects ObjectWriter
	newID   func() string
}

var (
	_ services.EvidenceUploader = (*EvidenceStore)(nil)
	_ services.EvidenceRemover  = (*EvidenceStore)(nil)
)

// EvidenceStoreOption customises the store.
type EvidenceStoreOption func(*EvidenceStore)

// WithAssetIDGenerator overrides the asset id source.
func WithAssetIDGenerator(fn func() string) EvidenceStoreOption {
	return func(s *EvidenceStore) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewEvidenceStore constructs an evidence store over the provided object writer.
func NewEvidenceStore(bucket string, objects ObjectWriter, opts ...EvidenceStoreOption) (*EvidenceStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("evidence store: bucket is required")
	}
	if objects == nil {
		return nil, errors.New("evidence store: object writer is required")
	}
	store := &EvidenceStore{
		bucket:  bucket,
		objects: objects,
		newID: func() string {
			return strings.ToLower(ulid.Make().String())
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// UploadEvidence writes one evidence file. The returned AssetID is the object name.
func (s *EvidenceStore) UploadEvidence(ctx context.Context, orderID string, file services.EvidenceFile) (services.EvidenceRef, error) {
	if len(file.Data) == 0 {
		return services.EvidenceRef{}, errors.New("evidence store: file is empty")
	}
	assetID := s.newID()
	object, err := BuildObjectPath(PurposeDisputeEvidence, PathParams{
		OrderID:  orderID,
		AssetID:  assetID,
		FileName: SanitizeFileName(file.FileName, "evidence"),
	})
	if err != nil {
		return services.EvidenceRef{}, err
	}

	contentType := strings.TrimSpace(file.ContentType)
	if contentType == "" {
		contentType = http.DetectContentType(file.Data)
	}
	attrs := ObjectAttrs{
		ContentType: contentType,
		Metadata: map[string]string{
			"orderId":      strings.TrimSpace(orderID),
			"originalName": strings.TrimSpace(file.FileName),
		},
	}
	if err := s.objects.Create(ctx, s.bucket, object, file.Data, attrs); err != nil {
		return services.EvidenceRef{}, fmt.Errorf("evidence store: write %s: %w", object, err)
	}
	return services.EvidenceRef{
		AssetID: object,
		URL:     s.objectURL(object),
	}, nil
}

// DeleteEvidence removes a previously uploaded object. Missing objects are not an error.
func (s *EvidenceStore) DeleteEvidence(ctx context.Context, ref services.EvidenceRef) error {
	object := strings.TrimSpace(ref.AssetID)
	if object == "" || !strings.HasPrefix(object, "assets/orders/") {
		return fmt.Errorf("evidence store: refusing to delete %q", ref.AssetID)
	}
	if err := s.objects.Delete(ctx, s.bucket, object); err != nil {
		return fmt.Errorf("evidence store: delete %s: %w", object, err)
	}
	return nil
}

func (s *EvidenceStore) objectURL(object string) string {
	return fmt.Sprintf("%s/%s/%s", publicStorageHost, s.bucket, object)
}

// GCSObjectWriter adapts a Cloud Storage client to ObjectWriter.
type GCSObjectWriter struct {
	client *gcs.Client
	open   func(ctx context.Context, bucket, object string, attrs ObjectAttrs) objectStream
}

// objectStream is the upload half of *gcs.Writer.
type objectStream interface {
	Write(p []byte) (int, error)
	Close() error
}

// NewGCSObjectWriter wraps the provided client.
func NewGCSObjectWriter(client *gcs.Client) (*GCSObjectWriter, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	w := &GCSObjectWriter{client: client}
	w.open = w.openObject
	return w, nil
}

func (w *GCSObjectWriter) openObject(ctx context.Context, bucket, object string, attrs ObjectAttrs) objectStream {
	writer := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = attrs.ContentType
	writer.Metadata = attrs.Metadata
	return writer
}

// Create writes the object only if it does not exist yet. The upload context
// is cancelled before Close when a write fails, which makes the client abort
// instead of committing a partial object.
func (w *GCSObjectWriter) Create(ctx context.Context, bucket, object string, body []byte, attrs ObjectAttrs) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := w.open(ctx, bucket, object, attrs)
	if _, err := stream.Write(body); err != nil {
		cancel()
		_ = stream.Close()
		return err
	}
	return stream.Close()
}

// Delete removes the object, treating a missing object as success.
func (w *GCSObjectWriter) Delete(ctx context.Context, bucket, object string) error {
	err := w.client.Bucket(bucket).Object(object).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}
