package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/gigconnect/api/internal/domain"
	pfirestore "github.com/gigconnect/api/internal/platform/firestore"
	"github.com/gigconnect/api/internal/repositories"
)

const gigsCollection = "gigs"

// GigRepository reads gig listings owned by the catalog.
type GigRepository struct {
	docs *pfirestore.Collection[gigDocument]
}

var _ repositories.GigRepository = (*GigRepository)(nil)

func NewGigRepository(provider *pfirestore.Provider) (*GigRepository, error) {
	if provider == nil {
		return nil, errors.New("gig repository: firestore provider is required")
	}
	return &GigRepository{
		docs: pfirestore.NewCollection[gigDocument](provider, gigsCollection),
	}, nil
}

func (r *GigRepository) FindByID(ctx context.Context, gigID string) (domain.Gig, error) {
	if r == nil || r.docs == nil {
		return domain.Gig{}, errors.New("gig repository not initialised")
	}
	doc, err := r.docs.Get(ctx, strings.TrimSpace(gigID))
	if err != nil {
		return domain.Gig{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// gigDocument mirrors the catalog's gig shape; price is a major-unit number.
type gigDocument struct {
	SellerRef    string  `firestore:"sellerRef"`
	Title        string  `firestore:"title"`
	Price        float64 `firestore:"price"`
	DeliveryTime int     `firestore:"deliveryTime"`
}

func (d gigDocument) toDomain(id string) domain.Gig {
	return domain.Gig{
		ID:               id,
		SellerRef:        strings.TrimSpace(d.SellerRef),
		Title:            strings.TrimSpace(d.Title),
		Price:            decimal.NewFromFloat(d.Price).Round(2),
		DeliveryTimeDays: d.DeliveryTime,
	}
}
