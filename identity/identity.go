// Package identity is the mock authentication service: a credential
// collection keyed by normalized email, kept in step with the main users
// collection.
//
// A credential and its user profile are one logical account stored as two
// independent blobs, so every account write goes through verified writes
// and finishes with a reconciliation pass over the pair.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"

	"github.com/stevemurr/rental-store/idgen"
	"github.com/stevemurr/rental-store/store"
	"github.com/stevemurr/rental-store/verify"
)

const (
	CredentialsCollection = "auth_users"
	UsersCollection       = "users"
)

const minPasswordLength = 6

var (
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrNotFound           = errors.New("identity: account not found")
	ErrInvalidInput       = errors.New("identity: invalid input")
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

// Credential is the identity store's record. ID is the normalized email.
type Credential struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// User is the profile record in the users collection. It mirrors the
// credential's hash so either half can rebuild the other.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SignUpRequest carries the fields needed to open an account.
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
	Role     Role
}

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type Service struct {
	store    *store.Store
	verifier *verify.Verifier
	logger   *slog.Logger
	now      func() time.Time
	cost     int
}

func New(v *verify.Verifier, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		store:    v.Store(),
		verifier: v,
		logger:   opts.Logger.With("component", "identity"),
		now:      opts.Now,
		cost:     opts.BcryptCost,
	}
}

// NormalizeEmail trims and case-folds an email so that lookups do not
// depend on how the user typed it.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// SignUp creates the credential and the user profile, verifying that both
// persisted. If the profile write fails after the credential landed, the
// credential stays and the error is returned; a later Reconcile rebuilds
// the profile from it.
//
// The duplicate-email check and the credential write are separate steps.
// Two concurrent sign-ups for the same email can both pass the check; the
// later credential then replaces the earlier one and the first profile is
// left without a credential. Callers that can race on one email must
// serialize sign-ups themselves.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (User, error) {
	email := NormalizeEmail(req.Email)
	if !validEmail(email) {
		return User{}, fmt.Errorf("%w: malformed email %q", ErrInvalidInput, req.Email)
	}
	if len(req.Password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidInput, minPasswordLength)
	}
	if req.Role == "" {
		req.Role = RoleGuest
	}

	s.store.ClearCollectionCache(CredentialsCollection)
	if _, ok, err := s.Lookup(ctx, email); err != nil {
		return User{}, err
	} else if ok {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("identity: hash password: %w", err)
	}
	now := s.now().UTC()
	user := User{
		ID:           idgen.Generate("user"),
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		Role:         req.Role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	cred := credentialFor(user)

	if err := verify.Write(ctx, s.verifier, CredentialsCollection, email, cred); err != nil {
		return User{}, fmt.Errorf("identity: sign up %s: %w", email, err)
	}
	if err := verify.Write(ctx, s.verifier, UsersCollection, user.ID, user); err != nil {
		return User{}, fmt.Errorf("identity: sign up %s: %w", email, err)
	}
	if _, err := s.verifier.Reconcile(ctx, []verify.Pair{s.pair(email, user.ID)}); err != nil {
		return User{}, fmt.Errorf("identity: sign up %s: %w", email, err)
	}
	s.logger.Info("account created", "email", email, "userId", user.ID, "role", user.Role)
	return user, nil
}

// SignIn checks a password and returns the account's profile. A profile
// missing from the users collection is rebuilt from the credential first.
func (s *Service) SignIn(ctx context.Context, email, password string) (User, error) {
	email = NormalizeEmail(email)
	cred, ok, err := s.Lookup(ctx, email)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	user, ok, err := s.User(ctx, cred.UserID)
	if err != nil {
		return User{}, err
	}
	if ok {
		return user, nil
	}
	if _, err := s.verifier.Reconcile(ctx, []verify.Pair{s.pair(email, cred.UserID)}); err != nil {
		return User{}, fmt.Errorf("identity: sign in %s: %w", email, err)
	}
	user, ok, err = s.User(ctx, cred.UserID)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// Lookup returns the credential for an email.
func (s *Service) Lookup(ctx context.Context, email string) (Credential, bool, error) {
	return store.Get[Credential](ctx, s.store, CredentialsCollection, NormalizeEmail(email))
}

// User returns a profile by user id.
func (s *Service) User(ctx context.Context, userID string) (User, bool, error) {
	return store.Get[User](ctx, s.store, UsersCollection, userID)
}

// Users lists every profile.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	return store.List[User](ctx, s.store, UsersCollection)
}

// ChangePassword replaces the hash on both halves of the account.
func (s *Service) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	email = NormalizeEmail(email)
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password shorter than %d characters", ErrInvalidInput, minPasswordLength)
	}
	s.store.ClearCollectionCache(CredentialsCollection)
	cred, ok, err := s.Lookup(ctx, email)
	if err != nil {
		return err
	}
	if !ok || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(oldPassword)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	now := s.now().UTC()
	cred.PasswordHash = string(hash)
	cred.UpdatedAt = now
	if err := verify.Write(ctx, s.verifier, CredentialsCollection, email, cred); err != nil {
		return fmt.Errorf("identity: change password %s: %w", email, err)
	}

	s.store.ClearCollectionCache(UsersCollection)
	user, ok, err := s.User(ctx, cred.UserID)
	if err != nil {
		return err
	}
	if !ok {
		user = userFor(cred)
	}
	user.PasswordHash = cred.PasswordHash
	user.UpdatedAt = now
	if err := verify.Write(ctx, s.verifier, UsersCollection, user.ID, user); err != nil {
		return fmt.Errorf("identity: change password %s: %w", email, err)
	}
	return nil
}

// DeleteAccount removes both halves of an account, profile first so that an
// interrupted delete leaves a credential Reconcile can act on.
func (s *Service) DeleteAccount(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	s.store.ClearCollectionCache(CredentialsCollection)
	cred, ok, err := s.Lookup(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.verifier.Remove(ctx, UsersCollection, cred.UserID); err != nil {
		return fmt.Errorf("identity: delete %s: %w", email, err)
	}
	if err := s.verifier.Remove(ctx, CredentialsCollection, email); err != nil {
		return fmt.Errorf("identity: delete %s: %w", email, err)
	}
	s.logger.Info("account deleted", "email", email, "userId", cred.UserID)
	return nil
}

// Reconcile repairs the accounts for the given emails: a credential without
// a profile gets its profile rebuilt and a profile without a credential gets
// its credential rebuilt. Emails with neither half are reported as errors.
func (s *Service) Reconcile(ctx context.Context, emails []string) ([]verify.Repair, error) {
	s.store.ClearCollectionCache(CredentialsCollection)
	s.store.ClearCollectionCache(UsersCollection)
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]string, len(users))
	for _, u := range users {
		byEmail[NormalizeEmail(u.Email)] = u.ID
	}

	var (
		pairs []verify.Pair
		errs  []error
	)
	for _, e := range emails {
		email := NormalizeEmail(e)
		userID := byEmail[email]
		if cred, ok, err := s.Lookup(ctx, email); err != nil {
			errs = append(errs, err)
			continue
		} else if ok {
			userID = cred.UserID
		}
		if userID == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotFound, email))
			continue
		}
		pairs = append(pairs, s.pair(email, userID))
	}
	repairs, err := s.verifier.Reconcile(ctx, pairs)
	errs = append(errs, err)
	return repairs, errors.Join(errs...)
}

func (s *Service) pair(email, userID string) verify.Pair {
	return verify.Pair{
		Left:    CredentialsCollection,
		LeftID:  email,
		Right:   UsersCollection,
		RightID: userID,
		FromLeft: func(raw []byte) (any, error) {
			var c Credential
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			return userFor(c), nil
		},
		FromRight: func(raw []byte) (any, error) {
			var u User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, err
			}
			if u.PasswordHash == "" {
				return nil, fmt.Errorf("profile %s carries no password hash", u.ID)
			}
			return credentialFor(u), nil
		},
	}
}

func credentialFor(u User) Credential {
	email := NormalizeEmail(u.Email)
	return Credential{
		ID:           email,
		Email:        email,
		PasswordHash: u.PasswordHash,
		UserID:       u.ID,
		Name:         u.Name,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFor(c Credential) User {
	return User{
		ID:           c.UserID,
		Email:        c.Email,
		Name:         c.Name,
		Role:         c.Role,
		PasswordHash: c.PasswordHash,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
