package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gigconnect/api/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider lazily creates one Firestore client shared by every repository.
// Concurrent first callers wait on the same dial.
type Provider struct {
	cfg         config.FirestoreConfig
	dialTimeout time.Duration
	clientOpts  []option.ClientOption

	dial singleflight.Group

	mu     sync.RWMutex
	client *firestore.Client
	closed bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides the timeout used when creating the client.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithClientOptions appends client options applied during initialisation.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Client returns the shared client, dialing it on first use.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}
	if client, err := p.current(); client != nil || err != nil {
		return client, err
	}

	ch := p.dial.DoChan("client", func() (any, error) {
		if client, err := p.current(); client != nil || err != nil {
			return client, err
		}
		// Detached from the caller so one cancelled request does not fail the dial for others.
		client, err := p.createClient(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = client.Close()
			return nil, ErrProviderClosed
		}
		p.client = client
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*firestore.Client), nil
	}
}

func (p *Provider) current() (*firestore.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.client, nil
}

func (p *Provider) createClient(ctx context.Context) (*firestore.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	projectID := firstNonBlank(p.cfg.ProjectID, os.Getenv(envGoogleProjectID))
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	opts := slices.Clone(p.clientOpts)
	if host := firstNonBlank(p.cfg.EmulatorHost, os.Getenv(envEmulatorHost)); host != "" {
		opts = append(opts, emulatorOptions(host)...)
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// emulatorOptions points the client at a local emulator. The SDK also reads
// FIRESTORE_EMULATOR_HOST itself, so the variable is set when absent.
func emulatorOptions(host string) []option.ClientOption {
	if os.Getenv(envEmulatorHost) == "" {
		_ = os.Setenv(envEmulatorHost, host)
	}
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

// Close releases the client, waiting at most until ctx is done. The Provider
// cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client, wasClosed := p.client, p.closed
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if wasClosed || client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTransaction executes fn inside a Firestore transaction using the provider's client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return WrapError("transaction", err)
	}
	return RunTransaction(ctx, client, fn, opts...)
}

// Probe reads at most one document from collection. Readiness checks use it to
// confirm that the database answers.
func (p *Provider) Probe(ctx context.Context, collection string) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !isIteratorDone(err) {
		return WrapError(collection+".probe", err)
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
