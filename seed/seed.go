// Package seed populates a store with a demo owner: an account, its profile,
// an approved owner application and a set of listings.
//
// Each record goes through a verified write, in dependency order, and the
// run stops at the first record that cannot be verified. Records written
// before the failure are kept; there is no rollback across collections.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stevemurr/rental-store/identity"
	"github.com/stevemurr/rental-store/idgen"
	"github.com/stevemurr/rental-store/verify"
)

const ListingsCollection = "listings"

type Listing struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Title         string    `json:"title"`
	City          string    `json:"city"`
	PricePerNight int       `json:"pricePerNight"`
	Bedrooms      int       `json:"bedrooms"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type ListingSpec struct {
	Title         string
	City          string
	PricePerNight int
	Bedrooms      int
}

type Owner struct {
	Email    string
	Password string
	Name     string
	Listings []ListingSpec
}

// DemoOwner is the owner the CLI seeds when given no flags.
func DemoOwner() Owner {
	return Owner{
		Email:    "owner@demo.rental",
		Password: "owner123",
		Name:     "Demo Owner",
		Listings: []ListingSpec{
			{Title: "Harbour view loft", City: "Lisbon", PricePerNight: 140, Bedrooms: 2},
			{Title: "Garden cottage", City: "Porto", PricePerNight: 95, Bedrooms: 1},
		},
	}
}

// Result lists everything a run wrote. On failure it holds what was written
// before the failing record.
type Result struct {
	User        identity.User
	Application identity.Application
	Listings    []Listing
	Repairs     []verify.Repair
}

type Seeder struct {
	verifier  *verify.Verifier
	accounts  *identity.Service
	approvals *identity.Approvals
	logger    *slog.Logger
	now       func() time.Time
}

func New(v *verify.Verifier, accounts *identity.Service, approvals *identity.Approvals, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		verifier:  v,
		accounts:  accounts,
		approvals: approvals,
		logger:    logger.With("component", "seed"),
		now:       time.Now,
	}
}

// SeedOwner writes the owner and its listings. An existing account with the
// same email is reused if the password matches.
func (s *Seeder) SeedOwner(ctx context.Context, o Owner) (Result, error) {
	var res Result

	user, err := s.account(ctx, o)
	if err != nil {
		return res, err
	}
	res.User = user

	app := identity.Application{
		ID:        idgen.Generate("app"),
		UserID:    user.ID,
		Status:    identity.StatusApproved,
		Message:   "seeded",
		CreatedAt: s.now().UTC(),
	}
	app.DecidedAt = &app.CreatedAt
	if err := s.approvals.Put(ctx, app); err != nil {
		return res, fmt.Errorf("seed: application for %s: %w", user.Email, err)
	}
	res.Application = app

	for i, spec := range o.Listings {
		now := s.now().UTC()
		l := Listing{
			ID:            idgen.Generate("listing"),
			OwnerID:       user.ID,
			Title:         spec.Title,
			City:          spec.City,
			PricePerNight: spec.PricePerNight,
			Bedrooms:      spec.Bedrooms,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := verify.Write(ctx, s.verifier, ListingsCollection, l.ID, l); err != nil {
			return res, fmt.Errorf("seed: listing %d of %d for %s: %w", i+1, len(o.Listings), user.Email, err)
		}
		res.Listings = append(res.Listings, l)
	}

	repairs, err := s.accounts.Reconcile(ctx, []string{o.Email})
	res.Repairs = repairs
	if err != nil {
		return res, fmt.Errorf("seed: reconcile %s: %w", user.Email, err)
	}
	s.logger.Info("owner seeded",
		"email", user.Email, "userId", user.ID,
		"application", app.ID, "listings", len(res.Listings), "repairs", len(repairs))
	return res, nil
}

func (s *Seeder) account(ctx context.Context, o Owner) (identity.User, error) {
	user, err := s.accounts.SignUp(ctx, identity.SignUpRequest{
		Email:    o.Email,
		Password: o.Password,
		Name:     o.Name,
		Role:     identity.RoleOwner,
	})
	if errors.Is(err, identity.ErrEmailTaken) {
		user, err = s.accounts.SignIn(ctx, o.Email, o.Password)
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("seed: account %s: %w", o.Email, err)
	}
	return user, nil
}
