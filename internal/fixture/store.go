// Package fixture loads the immutable per-run test data shared by every
// virtual user: identities, their auth tokens, and domain seed objects.
package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Default file names inside a fixtures directory.
const (
	UsersFile      = "users.json"
	TokensFile     = "tokens.json"
	ChallengesFile = "challenges.json"
)

// ErrFixtureLoad is matched by every error returned from Load.
var ErrFixtureLoad = errors.New("fixture load failed")

// LoadError describes why fixture data could not be loaded.
type LoadError struct {
	Source string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("fixture %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is reports ErrFixtureLoad so callers can use errors.Is without a type switch.
func (e *LoadError) Is(target error) bool { return target == ErrFixtureLoad }

// User is one identity row.
type User struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record is what a virtual user receives for its identity index.
type Record struct {
	Index int
	User  User
	Token string
}

// Goal is a seed objective inside a challenge.
type Goal struct {
	GoalID string `json:"goalId"`
	Name   string `json:"name,omitempty"`
}

// Challenge is a seed domain object.
type Challenge struct {
	ChallengeID string `json:"challengeId"`
	Name        string `json:"name,omitempty"`
	Goals       []Goal `json:"goals"`
}

// Source points at the fixture files. ChallengesPath is optional.
type Source struct {
	UsersPath      string
	TokensPath     string
	ChallengesPath string
}

// DirSource returns the conventional file layout under dir.
func DirSource(dir string) Source {
	src := Source{
		UsersPath:  filepath.Join(dir, UsersFile),
		TokensPath: filepath.Join(dir, TokensFile),
	}
	challenges := filepath.Join(dir, ChallengesFile)
	if _, err := os.Stat(challenges); err == nil {
		src.ChallengesPath = challenges
	}
	return src
}

// Store is read-only after Load returns. It is safe for unlimited
// concurrent readers.
type Store struct {
	users      []User
	tokens     []string
	challenges []Challenge
}

// Load reads every file of src and validates the result.
func Load(src Source) (*Store, error) {
	users, err := os.Open(src.UsersPath)
	if err != nil {
		return nil, &LoadError{Source: src.UsersPath, Reason: "cannot open", Err: err}
	}
	defer users.Close()

	tokens, err := os.Open(src.TokensPath)
	if err != nil {
		return nil, &LoadError{Source: src.TokensPath, Reason: "cannot open", Err: err}
	}
	defer tokens.Close()

	var challenges io.Reader
	if src.ChallengesPath != "" {
		f, err := os.Open(src.ChallengesPath)
		if err != nil {
			return nil, &LoadError{Source: src.ChallengesPath, Reason: "cannot open", Err: err}
		}
		defer f.Close()
		challenges = f
	}

	return LoadReaders(users, tokens, challenges)
}

// LoadReaders builds a Store from already opened inputs. challenges may be nil.
func LoadReaders(users, tokens, challenges io.Reader) (*Store, error) {
	s := &Store{}

	if err := json.NewDecoder(users).Decode(&s.users); err != nil {
		return nil, &LoadError{Source: UsersFile, Reason: "malformed JSON", Err: err}
	}
	if err := json.NewDecoder(tokens).Decode(&s.tokens); err != nil {
		return nil, &LoadError{Source: TokensFile, Reason: "malformed JSON", Err: err}
	}

	if len(s.users) == 0 {
		return nil, &LoadError{Source: UsersFile, Reason: "no users"}
	}
	if len(s.tokens) == 0 {
		return nil, &LoadError{Source: TokensFile, Reason: "no tokens"}
	}
	for i, u := range s.users {
		if u.ID == "" {
			return nil, &LoadError{Source: UsersFile, Reason: fmt.Sprintf("user %d has no id", i)}
		}
	}

	if challenges != nil {
		var doc struct {
			Challenges []Challenge `json:"challenges"`
		}
		if err := json.NewDecoder(challenges).Decode(&doc); err != nil {
			return nil, &LoadError{Source: ChallengesFile, Reason: "malformed JSON", Err: err}
		}
		for i, c := range doc.Challenges {
			if c.ChallengeID == "" {
				return nil, &LoadError{Source: ChallengesFile, Reason: fmt.Sprintf("challenge %d has no challengeId", i)}
			}
		}
		s.challenges = doc.Challenges
	}

	return s, nil
}

// Len is the number of identities.
func (s *Store) Len() int {
	return len(s.users)
}

// Get resolves any integer to a record. Users and tokens are indexed
// independently so lists of different lengths still pair deterministically.
func (s *Store) Get(index int) Record {
	u := wrap(index, len(s.users))
	user := s.users[u]
	if user.Attributes != nil {
		attrs := make(map[string]string, len(user.Attributes))
		for k, v := range user.Attributes {
			attrs[k] = v
		}
		user.Attributes = attrs
	}
	return Record{
		Index: u,
		User:  user,
		Token: s.tokens[wrap(index, len(s.tokens))],
	}
}

// Challenges returns a deep copy of the seed challenges.
func (s *Store) Challenges() []Challenge {
	out := make([]Challenge, len(s.challenges))
	for i, c := range s.challenges {
		c.Goals = append([]Goal(nil), c.Goals...)
		out[i] = c
	}
	return out
}

func wrap(i, n int) int {
	m := i % n
	if m < 0 {
		m += n
	}
	return m
}
