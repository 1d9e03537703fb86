package user

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultMaxUsernameLength is the username limit used when none is configured.
const DefaultMaxUsernameLength = 20

var (
	// ErrInvalidInput is wrapped by every validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUsernameTaken means another live connection holds the username.
	ErrUsernameTaken = errors.New("username taken")
	// ErrEmailTaken means another live connection holds the email.
	ErrEmailTaken = errors.New("email taken")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, reason)
}

// Reason returns the human-readable part of a validation error, or the
// error text itself for anything else.
func Reason(err error) string {
	msg := err.Error()
	if errors.Is(err, ErrInvalidInput) {
		return strings.TrimPrefix(msg, ErrInvalidInput.Error()+": ")
	}
	return msg
}

// Registry tracks one identity per live connection and enforces global
// username and email uniqueness.
type Registry struct {
	mu          sync.Mutex
	identities  map[ConnID]*Identity
	maxUsername int
}

// NewRegistry creates an empty Registry. A non-positive maxUsername falls
// back to DefaultMaxUsernameLength.
func NewRegistry(maxUsername int) *Registry {
	if maxUsername <= 0 {
		maxUsername = DefaultMaxUsernameLength
	}
	return &Registry{
		identities:  make(map[ConnID]*Identity),
		maxUsername: maxUsername,
	}
}

// Normalize trims the username and truncates it to the configured length,
// and trims and lower-cases the email.
func (r *Registry) Normalize(username, email string) (string, string) {
	return Truncate(strings.TrimSpace(username), r.maxUsername), strings.ToLower(strings.TrimSpace(email))
}

// Validate checks already-normalized values.
func Validate(username, email string) error {
	if username == "" {
		return invalid("Username is required")
	}
	if email == "" {
		return invalid("Email is required")
	}
	if !emailPattern.MatchString(email) {
		return invalid("Please enter a valid email address")
	}
	return nil
}

// Check normalizes and validates the pair and runs the uniqueness checks
// for conn without committing anything. The returned identity is what
// Register would store.
func (r *Registry) Check(conn ConnID, username, email string) (Identity, error) {
	username, email = r.Normalize(username, email)
	if err := Validate(username, email); err != nil {
		return Identity{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(conn, username, email); err != nil {
		return Identity{}, err
	}
	return Identity{Conn: conn, Username: username, Email: email}, nil
}

// Register binds the pair to conn, replacing any identity conn already
// holds. Values already held by conn itself never conflict.
func (r *Registry) Register(conn ConnID, username, email string) (Identity, error) {
	username, email = r.Normalize(username, email)
	if err := Validate(username, email); err != nil {
		return Identity{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUnique(conn, username, email); err != nil {
		return Identity{}, err
	}
	id := &Identity{
		Conn:         conn,
		Username:     username,
		Email:        email,
		RegisteredAt: time.Now(),
	}
	r.identities[conn] = id
	return *id, nil
}

// checkUnique must be called while holding mu.
func (r *Registry) checkUnique(conn ConnID, username, email string) error {
	if r.findByUsername(username, conn) {
		return ErrUsernameTaken
	}
	if r.findByEmail(email, conn) {
		return ErrEmailTaken
	}
	return nil
}

// Unregister removes the identity held by conn. It is a no-op if there is none.
func (r *Registry) Unregister(conn ConnID) {
	r.mu.Lock()
	delete(r.identities, conn)
	r.mu.Unlock()
}

// Get returns the identity held by conn.
func (r *Registry) Get(conn ConnID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[conn]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// FindByUsername reports whether a connection other than excluding holds username.
// Pass an empty excluding to check every connection.
func (r *Registry) FindByUsername(username string, excluding ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByUsername(username, excluding)
}

// FindByEmail reports whether a connection other than excluding holds email.
// The email is compared case-insensitively.
func (r *Registry) FindByEmail(email string, excluding ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByEmail(strings.ToLower(strings.TrimSpace(email)), excluding)
}

func (r *Registry) findByUsername(username string, excluding ConnID) bool {
	for conn, id := range r.identities {
		if conn != excluding && id.Username == username {
			return true
		}
	}
	return false
}

func (r *Registry) findByEmail(email string, excluding ConnID) bool {
	for conn, id := range r.identities {
		if conn != excluding && id.Email == email {
			return true
		}
	}
	return false
}

// Count returns the number of live identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
