package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/gigconnect/api/internal/platform/config"
)

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens through the Admin SDK.
type FirebaseVerifier struct {
	client  idTokenVerifier
	timeout time.Duration
}

var _ TokenVerifier = (*FirebaseVerifier)(nil)

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewFirebaseVerifier constructs a FirebaseVerifier backed by the Admin SDK.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return newFirebaseVerifier(authClient, opts...), nil
}

func newFirebaseVerifier(client idTokenVerifier, opts ...FirebaseOption) *FirebaseVerifier {
	verifier := &FirebaseVerifier{
		client:  client,
		timeout: defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier
}

// VerifyToken checks the ID token and returns its uid and custom claims.
func (v *FirebaseVerifier) VerifyToken(ctx context.Context, raw string) (VerifiedToken, error) {
	if v == nil || v.client == nil {
		return VerifiedToken{}, errors.New("firebase verifier not initialised")
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	token, err := v.client.VerifyIDToken(ctx, raw)
	switch {
	case err == nil:
	case firebaseauth.IsIDTokenExpired(err):
		return VerifiedToken{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenInvalid(err):
		return VerifiedToken{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	default:
		return VerifiedToken{}, err
	}
	return VerifiedToken{Subject: token.UID, Claims: token.Claims}, nil
}
