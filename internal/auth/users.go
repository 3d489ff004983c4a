package auth

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// Source identifies where the active credentials came from.
type Source string

const (
	SourceNone Source = "none"
	SourceFile Source = "file"
	SourceS3   Source = "s3"
)

// Snapshot is one immutable set of credentials.
type Snapshot struct {
	Users    map[string][]byte
	SHA256   string
	Source   Source
	LoadedAt time.Time
}

// ParseError reports a malformed line in a users file.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("users file line %d: %s", e.Line, e.Reason)
}

// ParseUsers reads "username:bcrypt-hash" lines. Blank lines and lines
// starting with # are skipped.
func ParseUsers(r io.Reader) (map[string][]byte, error) {
	users := make(map[string][]byte)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name == "" || hash == "" {
			return nil, &ParseError{Line: n, Reason: "want username:hash"}
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, &ParseError{Line: n, Reason: "hash is not bcrypt"}
		}
		if _, dup := users[name]; dup {
			return nil, &ParseError{Line: n, Reason: fmt.Sprintf("duplicate user %q", name)}
		}
		users[name] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Wrap(err, "read users")
	}
	return users, nil
}

// sha256Hex returns the lowercase hex sha256 of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// hashEqual compares two hex digests in constant time.
func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// dummyHash keeps unknown-user checks about as slow as known-user ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("formhub-edge-dummy"), bcrypt.DefaultCost)

// Store holds the active credentials snapshot.
type Store struct {
	active atomic.Pointer[Snapshot]
}

func NewStore() *Store { return &Store{} }

// Set swaps in s. The users map must not be modified afterwards.
func (s *Store) Set(snap Snapshot) {
	cp := new(Snapshot)
	*cp = snap
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	s.active.Store(cp)
}

// Get returns the active snapshot, if one was loaded.
func (s *Store) Get() (*Snapshot, bool) {
	snap := s.active.Load()
	return snap, snap != nil
}

// SHA256 of the active credentials, or "" when none are loaded.
func (s *Store) SHA256() string {
	if snap := s.active.Load(); snap != nil {
		return snap.SHA256
	}
	return ""
}

// Len is the number of users in the active snapshot.
func (s *Store) Len() int {
	if snap := s.active.Load(); snap != nil {
		return len(snap.Users)
	}
	return 0
}

// Source of the active snapshot.
func (s *Store) Source() Source {
	if snap := s.active.Load(); snap != nil {
		return snap.Source
	}
	return SourceNone
}

// ReadyErr is non-nil until a snapshot has been loaded.
func (s *Store) ReadyErr(context.Context) error {
	if s.active.Load() == nil {
		return xerrors.New("auth: no credentials loaded")
	}
	return nil
}

// Authenticate checks username and password against the active snapshot.
func (s *Store) Authenticate(username, password string) bool {
	snap := s.active.Load()
	var hash []byte
	if snap != nil {
		hash = snap.Users[username]
	}
	if hash == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
