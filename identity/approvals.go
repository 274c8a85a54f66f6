package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/stevemurr/rental-store/cache"
	"github.com/stevemurr/rental-store/idgen"
	"github.com/stevemurr/rental-store/store"
	"github.com/stevemurr/rental-store/verify"
)

// ApplicationsCollection holds owner applications.
const ApplicationsCollection = "owner_applications"

type ApplicationStatus string

const (
	StatusPending  ApplicationStatus = "pending"
	StatusApproved ApplicationStatus = "approved"
	StatusRejected ApplicationStatus = "rejected"
)

// Application is a user's request to list properties as an owner.
type Application struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Status    ApplicationStatus `json:"status"`
	Message   string            `json:"message,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	DecidedAt *time.Time        `json:"decidedAt,omitempty"`
}

// Approvals answers "does user X have an approved owner application". The
// answer needs a scan of the whole applications collection, so it is cached
// per user for the query cache TTL. Every write here clears that cache;
// code that writes applications some other way must call ClearCache.
type Approvals struct {
	store    *store.Store
	verifier *verify.Verifier
	approved *cache.QueryCache[bool]
	now      func() time.Time
}

func NewApprovals(v *verify.Verifier, now func() time.Time, opts ...cache.QueryOption) *Approvals {
	if now == nil {
		now = time.Now
	}
	return &Approvals{
		store:    v.Store(),
		verifier: v,
		approved: cache.NewQueryCache[bool](opts...),
		now:      now,
	}
}

// Submit files a pending application for userID.
func (a *Approvals) Submit(ctx context.Context, userID, message string) (Application, error) {
	if userID == "" {
		return Application{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	app := Application{
		ID:        idgen.Generate("app"),
		UserID:    userID,
		Status:    StatusPending,
		Message:   message,
		CreatedAt: a.now().UTC(),
	}
	return app, a.put(ctx, app)
}

// Decide moves an application to approved or rejected.
func (a *Approvals) Decide(ctx context.Context, appID string, status ApplicationStatus) (Application, error) {
	if status != StatusApproved && status != StatusRejected {
		return Application{}, fmt.Errorf("%w: cannot decide with status %q", ErrInvalidInput, status)
	}
	a.store.ClearCollectionCache(ApplicationsCollection)
	app, ok, err := store.Get[Application](ctx, a.store, ApplicationsCollection, appID)
	if err != nil {
		return Application{}, err
	}
	if !ok {
		return Application{}, fmt.Errorf("%w: application %s", ErrNotFound, appID)
	}
	decided := a.now().UTC()
	app.Status = status
	app.DecidedAt = &decided
	return app, a.put(ctx, app)
}

// Put writes an application as given, e.g. one that is approved on
// creation by the seeding routine.
func (a *Approvals) Put(ctx context.Context, app Application) error {
	if app.ID == "" || app.UserID == "" {
		return fmt.Errorf("%w: application needs an id and a user id", ErrInvalidInput)
	}
	return a.put(ctx, app)
}

func (a *Approvals) put(ctx context.Context, app Application) error {
	defer a.approved.Clear()
	if err := verify.Write(ctx, a.verifier, ApplicationsCollection, app.ID, app); err != nil {
		return fmt.Errorf("identity: write application %s: %w", app.ID, err)
	}
	return nil
}

// HasApproved reports whether userID has at least one approved application.
func (a *Approvals) HasApproved(ctx context.Context, userID string) (bool, error) {
	return a.approved.Get(ctx, "approved:"+userID, func(ctx context.Context) (bool, error) {
		apps, err := a.ForUser(ctx, userID)
		if err != nil {
			return false, err
		}
		for _, app := range apps {
			if app.Status == StatusApproved {
				return true, nil
			}
		}
		return false, nil
	})
}

// ForUser lists a user's applications in the order they were filed.
func (a *Approvals) ForUser(ctx context.Context, userID string) ([]Application, error) {
	all, err := store.List[Application](ctx, a.store, ApplicationsCollection)
	if err != nil {
		return nil, err
	}
	var out []Application
	for _, app := range all {
		if app.UserID == userID {
			out = append(out, app)
		}
	}
	return out, nil
}

// ClearCache forces the next HasApproved call for every user to rescan.
func (a *Approvals) ClearCache() {
	a.approved.Clear()
}
