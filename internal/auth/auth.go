package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/audiolibrelab/voicenote/internal/store"
)

var (
	// ErrInvalidCredentials is returned for a bad email/password pair. The
	// same error covers unknown accounts so probing cannot tell them apart.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken is returned when signing up with an email that already
	// has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidToken is returned when a bearer token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInvalidInput is returned when sign-up fields fail validation.
	ErrInvalidInput = errors.New("invalid sign-up input")
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

const tokenIssuer = "voicenote"

// EventType identifies an auth-state notification.
type EventType string

const (
	EventSignedIn  EventType = "signed_in"
	EventSignedOut EventType = "signed_out"
)

// Event carries an auth-state change. Session is nil on sign-out.
type Event struct {
	Type    EventType
	Session *Session
}

// Session is an authenticated principal with its bearer token.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source used for issuing and verifying tokens.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// WithTokenTTL overrides how long issued tokens stay valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		a.ttl = ttl
	}
}

// Authenticator manages accounts and stateless bearer tokens. Sign-out is a
// client-side act; the authenticator only broadcasts it so listeners can
// drop per-user state.
type Authenticator struct {
	store    store.Store
	secret   []byte
	ttl      time.Duration
	clock    func() time.Time
	validate *validator.Validate

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObsID int
}

// NewAuthenticator creates an authenticator signing tokens with secret.
func NewAuthenticator(s store.Store, secret string, opts ...Option) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret must not be empty")
	}
	a := &Authenticator{
		store:    s,
		secret:   []byte(secret),
		ttl:      DefaultTokenTTL,
		clock:    time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Notify registers an auth-state observer. The returned function
// unregisters it.
func (a *Authenticator) Notify(fn func(Event)) func() {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()

	if a.observers == nil {
		a.observers = make(map[int]func(Event))
	}
	id := a.nextObsID
	a.nextObsID++
	a.observers[id] = fn

	return func() {
		a.obsMu.Lock()
		defer a.obsMu.Unlock()
		delete(a.observers, id)
	}
}

func (a *Authenticator) notify(ev Event) {
	a.obsMu.Lock()
	fns := make([]func(Event), 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

type signUpInput struct {
	Username string `validate:"required,min=1,max=100"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

// SignUp creates an account and returns a signed-in session for it.
func (a *Authenticator) SignUp(ctx context.Context, username, email, password string) (*Session, error) {
	input := signUpInput{Username: username, Email: email, Password: password}
	if err := a.validate.Struct(&input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &store.User{Username: username, Email: email, PasswordHash: string(hash)}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%s: %w", email, ErrEmailTaken)
		}
		return nil, err
	}

	session, err := a.issue(user)
	if err != nil {
		return nil, err
	}

	slog.Info("Account created", "user_id", user.ID, "email", email)
	a.notify(Event{Type: EventSignedIn, Session: session})
	return session, nil
}

// SignIn checks credentials and returns a session for the account.
func (a *Authenticator) SignIn(ctx context.Context, email, password string) (*Session, error) {
	user, err := a.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	session, err := a.issue(user)
	if err != nil {
		return nil, err
	}

	slog.Info("User signed in", "user_id", user.ID, "email", email)
	a.notify(Event{Type: EventSignedIn, Session: session})
	return session, nil
}

// SignOut verifies the caller's token and broadcasts a signed-out event.
// Tokens are stateless and stay valid until they expire; clients discard
// theirs.
func (a *Authenticator) SignOut(ctx context.Context, token string) error {
	sess, err := a.Verify(token)
	if err != nil {
		return err
	}
	slog.Info("User signed out", "user_id", sess.UserID, "email", sess.Email)
	a.notify(Event{Type: EventSignedOut})
	return nil
}

// Verify parses a bearer token and returns the session it represents.
func (a *Authenticator) Verify(token string) (*Session, error) {
	parser := jwt.NewParser(
		jwt.WithTimeFunc(a.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)

	var parsed claims
	_, err := parser.ParseWithClaims(token, &parsed, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sess := &Session{
		Token:     token,
		UserID:    parsed.Subject,
		Email:     parsed.Email,
		Username:  parsed.Username,
		ExpiresAt: parsed.ExpiresAt.Time,
	}
	// iat is optional; the parser rejects tokens without exp.
	if parsed.IssuedAt != nil {
		sess.IssuedAt = parsed.IssuedAt.Time
	}
	return sess, nil
}

// issue signs a token for the user.
func (a *Authenticator) issue(user *store.User) (*Session, error) {
	now := a.clock()
	expires := now.Add(a.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:    user.Email,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{
		Token:     signed,
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}
