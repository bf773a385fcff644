// Package archive keeps successful fetch results in a blob store so the
// dashboard can show the last result without running a new fetch.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Jabawack/bay-area-radar/internal/hash/sha256"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/storage"
)

const (
	contentType = "application/json"
	latestName  = "latest.json"
)

// ErrNotArchived is returned when no archived result exists.
var ErrNotArchived = errors.New("no archived result")

// Tagger derives entity tags for archived bodies.
type Tagger interface {
	ETag(data []byte) string
}

// Snapshot is one archived response body.
type Snapshot struct {
	Body []byte
	ETag string
}

// Decode parses the archived body.
func (s Snapshot) Decode() (pipeline.Response, error) {
	var resp pipeline.Response
	if err := json.Unmarshal(s.Body, &resp); err != nil {
		return pipeline.Response{}, fmt.Errorf("decode archived result: %w", err)
	}
	return resp, nil
}

// Matches reports whether an If-None-Match header value names this
// snapshot. Weak comparison applies, as for GET.
func (s Snapshot) Matches(ifNoneMatch string) bool {
	if s.ETag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == s.ETag {
			return true
		}
	}
	return false
}

// Store writes each result under sessions/<id>.json and mirrors it to
// latest.json.
type Store struct {
	blobs  storage.BlobStore
	prefix string
	tagger Tagger
}

// New builds a Store. prefix may be empty.
func New(blobs storage.BlobStore, prefix string) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("archive requires a blob store")
	}
	return &Store{blobs: blobs, prefix: strings.Trim(prefix, "/"), tagger: sha256.New()}, nil
}

func (s *Store) path(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func sessionName(id uuid.UUID) string {
	return fmt.Sprintf("sessions/%s.json", id)
}

// Save archives resp for sessionID and returns the session object's URI.
func (s *Store) Save(ctx context.Context, sessionID uuid.UUID, resp pipeline.Response) (string, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, s.path(sessionName(sessionID)), contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	if _, err := s.blobs.PutObject(ctx, s.path(latestName), contentType, bytes.NewReader(body)); err != nil {
		return uri, fmt.Errorf("update latest result: %w", err)
	}
	return uri, nil
}

// Latest returns the most recently archived result.
func (s *Store) Latest(ctx context.Context) (Snapshot, error) {
	return s.load(ctx, s.path(latestName))
}

// Session returns the result archived for sessionID.
func (s *Store) Session(ctx context.Context, sessionID uuid.UUID) (Snapshot, error) {
	return s.load(ctx, s.path(sessionName(sessionID)))
}

func (s *Store) load(ctx context.Context, path string) (Snapshot, error) {
	body, err := s.blobs.GetObject(ctx, path)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Snapshot{}, ErrNotArchived
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load archived result: %w", err)
	}
	return Snapshot{Body: body, ETag: s.tagger.ETag(body)}, nil
}
