package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/textutil"
	"github.com/gigconnect/api/internal/repositories"
)

const (
	defaultMaxEvidenceFiles    = 10
	defaultMaxEvidenceBytes    = 10 << 20
	defaultEvidenceConcurrency = 4
)

var errEvidenceStorageUnavailable = errors.New("evidence storage not configured")

// EvidenceRemover is implemented by uploaders that can delete evidence stored for a dispute
// that was not recorded.
type EvidenceRemover interface {
	DeleteEvidence(ctx context.Context, ref EvidenceRef) error
}

// DisputeServiceDeps bundles collaborators required to construct the dispute service.
type DisputeServiceDeps struct {
	Orders            repositories.OrderRepository
	Evidence          EvidenceUploader
	MaxEvidenceFiles  int
	MaxEvidenceBytes  int64
	UploadConcurrency int
	Clock             func() time.Time
	Events            OrderEventPublisher
	Metrics           TransitionRecorder
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type disputeService struct {
	*orderLifecycle
	evidence    EvidenceUploader
	maxFiles    int
	maxBytes    int64
	concurrency int
}

var _ DisputeService = (*disputeService)(nil)

// NewDisputeService constructs the dispute subsystem.
func NewDisputeService(deps DisputeServiceDeps) (DisputeService, error) {
	if deps.Orders == nil {
		return nil, errors.New("dispute service: order repository is required")
	}
	maxFiles := deps.MaxEvidenceFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxEvidenceFiles
	}
	maxBytes := deps.MaxEvidenceBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxEvidenceBytes
	}
	concurrency := deps.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultEvidenceConcurrency
	}
	return &disputeService{
		orderLifecycle: newOrderLifecycle(deps.Orders, deps.Clock, deps.Events, deps.Metrics, deps.Logger),
		evidence:       deps.Evidence,
		maxFiles:       maxFiles,
		maxBytes:       maxBytes,
		concurrency:    concurrency,
	}, nil
}

func (s *disputeService) RaiseDispute(ctx context.Context, cmd RaiseDisputeCommand) (DisputeResult, error) {
	reason := textutil.SanitizeText(cmd.Reason)
	if reason == "" {
		return DisputeResult{}, fmt.Errorf("%w: a reason for the dispute is required", ErrOrderInvalidInput)
	}
	if textutil.RuneLen(reason) > maxFreeTextLength {
		return DisputeResult{}, fmt.Errorf("%w: reason must be at most %d characters", ErrOrderInvalidInput, maxFreeTextLength)
	}
	if err := s.validateEvidence(cmd.Evidence); err != nil {
		return DisputeResult{}, err
	}

	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return DisputeResult{}, err
	}
	// Authorise before touching the asset store so rejected callers never upload.
	if err := AuthorizeTransition(cmd.Actor, order, domain.OrderStatusDisputed, TriggerDispute); err != nil {
		s.recordRejection(ctx, domain.OrderStatusDisputed, err)
		return DisputeResult{}, err
	}

	uploaded, failed := s.uploadEvidence(ctx, order.ID, cmd.Evidence)
	for _, failure := range failed {
		s.logger(ctx, "dispute.evidence.upload.failed", map[string]any{
			"order": order.ID,
			"index": failure.Index,
			"file":  failure.FileName,
			"error": failure.Reason,
		})
	}

	updated, previous, err := s.transition(ctx, cmd.Actor, order.ID, domain.OrderStatusDisputed, TriggerDispute, func(o *Order, _ time.Time) {
		o.DisputeReason = reason
		o.DisputeEvidence = append(o.DisputeEvidence[:len(o.DisputeEvidence):len(o.DisputeEvidence)], uploaded...)
	})
	if err != nil {
		s.discardEvidence(ctx, order.ID, uploaded)
		return DisputeResult{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventDisputed,
		OrderID:        updated.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.Actor.ID,
		OccurredAt:     updated.UpdatedAt,
		Metadata: map[string]any{
			"evidenceCount": len(uploaded),
			"failedCount":   len(failed),
		},
	})

	return DisputeResult{
		Order:    updated,
		Uploaded: uploaded,
		Failed:   failed,
	}, nil
}

func (s *disputeService) ListDisputed(ctx context.Context, actor Actor, page Pagination) (domain.CursorPage[Order], error) {
	if actor.Role != domain.RoleAdmin {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: administrator access required", ErrOrderForbidden)
	}
	return s.list(ctx, repositories.OrderListFilter{Status: domain.OrderStatusDisputed, Pagination: page})
}

func (s *disputeService) Resolve(ctx context.Context, cmd ResolveDisputeCommand) (Order, error) {
	if cmd.Actor.Role != domain.RoleAdmin {
		return Order{}, fmt.Errorf("%w: administrator access required", ErrOrderForbidden)
	}
	target := OrderStatus(strings.TrimSpace(cmd.NewStatus))
	if target != domain.OrderStatusCompleted && target != domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: invalid resolution status %q", ErrOrderInvalidInput, cmd.NewStatus)
	}

	updated, previous, err := s.transition(ctx, cmd.Actor, cmd.OrderID, target, TriggerResolution, nil)
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventResolved,
		OrderID:        updated.ID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.Actor.ID,
		OccurredAt:     updated.UpdatedAt,
		Metadata: map[string]any{
			"resolution": string(target),
		},
	})
	return updated, nil
}

func (s *disputeService) validateEvidence(files []EvidenceFile) error {
	if len(files) > s.maxFiles {
		return fmt.Errorf("%w: at most %d evidence files are allowed", ErrOrderInvalidInput, s.maxFiles)
	}
	for i, file := range files {
		if len(file.Data) == 0 {
			return fmt.Errorf("%w: evidence file %d is empty", ErrOrderInvalidInput, i)
		}
		if int64(len(file.Data)) > s.maxBytes {
			return fmt.Errorf("%w: evidence file %d exceeds %d bytes", ErrOrderInvalidInput, i, s.maxBytes)
		}
	}
	return nil
}

// uploadEvidence stores files concurrently. Results keep input order; failures never abort the batch.
func (s *disputeService) uploadEvidence(ctx context.Context, orderID string, files []EvidenceFile) ([]EvidenceRef, []EvidenceFailure) {
	if len(files) == 0 {
		return []EvidenceRef{}, []EvidenceFailure{}
	}

	refs := make([]EvidenceRef, len(files))
	errs := make([]error, len(files))

	if s.evidence == nil {
		for i := range files {
			errs[i] = errEvidenceStorageUnavailable
		}
	} else {
		sem := make(chan struct{}, s.concurrency)
		var wg sync.WaitGroup
		for i, file := range files {
			wg.Add(1)
			go func(i int, file EvidenceFile) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
				defer func() { <-sem }()

				ref, err := s.evidence.UploadEvidence(ctx, orderID, file)
				if err == nil && strings.TrimSpace(ref.AssetID) == "" {
					err = errors.New("asset store returned an empty reference")
				}
				refs[i], errs[i] = ref, err
			}(i, file)
		}
		wg.Wait()
	}

	uploaded := make([]EvidenceRef, 0, len(files))
	failed := make([]EvidenceFailure, 0)
	for i, file := range files {
		if errs[i] != nil {
			failed = append(failed, EvidenceFailure{
				Index:    i,
				FileName: file.FileName,
				Reason:   errs[i].Error(),
			})
			continue
		}
		uploaded = append(uploaded, refs[i])
	}
	return uploaded, failed
}

func (s *disputeService) discardEvidence(ctx context.Context, orderID string, refs []EvidenceRef) {
	if len(refs) == 0 {
		return
	}
	remover, ok := s.evidence.(EvidenceRemover)
	if !ok {
		s.logger(ctx, "dispute.evidence.orphaned", map[string]any{
			"order": orderID,
			"count": len(refs),
		})
		return
	}
	for _, ref := range refs {
		if err := remover.DeleteEvidence(ctx, ref); err != nil {
			s.logger(ctx, "dispute.evidence.cleanup.failed", map[string]any{
				"order": orderID,
				"asset": ref.AssetID,
				"error": err.Error(),
			})
		}
	}
}
