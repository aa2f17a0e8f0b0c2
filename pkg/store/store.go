// Package store persists per-user face embeddings as one JSON document
// per enrolled username. It owns identifier validation, the versioned
// document schema (including migration of the legacy single-embedding
// format) and the per-type capacity limits.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camgate/camgate/pkg/logging"
)

// MaxIdentifierLen bounds usernames and labels.
const MaxIdentifierLen = 32

// LegacyLabel is assigned to entries migrated from the old
// single-embedding document format.
const LegacyLabel = "default"

// ErrUserNotFound is returned when the user is not enrolled.
var ErrUserNotFound = errors.New("user not found")

// ErrInvalidIdentifier is returned for usernames or labels outside the
// allowed character set. Nothing on disk is touched in that case.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// ErrCapacity is returned when a new label would exceed max_embeddings.
var ErrCapacity = errors.New("embedding capacity reached")

// ErrEncryption is returned when decryption of a user record fails.
var ErrEncryption = errors.New("encryption error")

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidIdentifier reports whether s is safe to use as a username or
// label. The character set blocks path traversal and shell injection;
// "." and ".." are rejected outright even though they fit the set.
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLen {
		return false
	}
	if s == "." || s == ".." {
		return false
	}
	return identifierRe.MatchString(s)
}

// EmbeddingEntry is one labeled feature vector.
type EmbeddingEntry struct {
	Label        string    `json:"label"`
	Data         []float32 `json:"data"`
	Created      int64     `json:"created"`
	ModelVersion string    `json:"model_version,omitempty"`
}

// UserRecord is the canonical in-memory form of a user document.
// Legacy documents are migrated into this form on read; the legacy
// field is dropped from disk on the next write.
type UserRecord struct {
	Username   string
	Created    int64
	Embeddings map[string][]EmbeddingEntry // keyed by camera type
	Pending    map[string][]float32        // staged by enrollment, keyed by camera type

	// legacyTypes tracks camera types whose entries came from the old
	// singular field and have not been rewritten yet.
	legacyTypes map[string]bool
}

// EntriesFor returns the labeled entries for one camera type.
func (r *UserRecord) EntriesFor(camType string) []EmbeddingEntry {
	return r.Embeddings[camType]
}

// Store is the file-backed embedding store. A single mutex serializes
// writers within the process; concurrent writers from other processes
// remain last-write-wins.
type Store struct {
	usersDir      string
	maxEmbeddings int

	encryptionEnabled bool
	encryptionKey     [keySize]byte

	mu sync.Mutex
}

// New creates a Store rooted at usersDir. maxEmbeddings caps labeled
// entries per camera type (0 = unlimited).
func New(usersDir string, maxEmbeddings int, encryptionEnabled bool) (*Store, error) {
	s := &Store{
		usersDir:          usersDir,
		maxEmbeddings:     maxEmbeddings,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}
		s.encryptionKey = key
	}

	if err := os.MkdirAll(usersDir, 0700); err != nil {
		return nil, fmt.Errorf("create users directory: %w", err)
	}

	return s, nil
}

func (s *Store) userPath(username string) string {
	ext := ".json"
	if s.encryptionEnabled {
		ext = ".enc"
	}
	return filepath.Join(s.usersDir, username+ext)
}

// Exists reports whether a user document is present. Invalid usernames
// never reach the filesystem.
func (s *Store) Exists(username string) bool {
	if !ValidIdentifier(username) {
		return false
	}
	_, err := os.Stat(s.userPath(username))
	return err == nil
}

// Load reads and migrates a user document into canonical form.
func (s *Store) Load(username string) (*UserRecord, error) {
	if !ValidIdentifier(username) {
		return nil, ErrInvalidIdentifier
	}
	return s.load(username)
}

func (s *Store) load(username string) (*UserRecord, error) {
	data, err := os.ReadFile(s.userPath(username))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read user document: %w", err)
	}

	if s.encryptionEnabled {
		data, err = s.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt user document: %w", err)
		}
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("parse user document: %w", err)
	}
	if rec.Username == "" {
		rec.Username = username
	}
	return rec, nil
}

// Save rewrites the whole user document in canonical form. Legacy
// fields never survive a save.
func (s *Store) Save(rec *UserRecord) error {
	if !ValidIdentifier(rec.Username) {
		return ErrInvalidIdentifier
	}
	return s.save(rec)
}

func (s *Store) save(rec *UserRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal user document: %w", err)
	}

	if s.encryptionEnabled {
		data, err = s.encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt user document: %w", err)
		}
	}

	if err := os.WriteFile(s.userPath(rec.Username), data, 0600); err != nil {
		return fmt.Errorf("write user document: %w", err)
	}
	rec.legacyTypes = nil
	return nil
}

// AddPending stages enrollment vectors per camera type, creating the
// user document if this is a first enrollment.
func (s *Store) AddPending(username string, pending map[string][]float32) error {
	if !ValidIdentifier(username) {
		return ErrInvalidIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(username)
	if errors.Is(err, ErrUserNotFound) {
		rec = &UserRecord{
			Username:   username,
			Created:    time.Now().Unix(),
			Embeddings: make(map[string][]EmbeddingEntry),
			Pending:    make(map[string][]float32),
		}
	} else if err != nil {
		return err
	}

	if rec.Pending == nil {
		rec.Pending = make(map[string][]float32)
	}
	for camType, vec := range pending {
		rec.Pending[camType] = vec
	}
	return s.save(rec)
}

// CommitLabel moves every pending vector into its type's labeled array.
// An existing entry with the same label is overwritten; a new label is
// appended unless the array is at capacity, in which case the commit is
// rejected and the pending vectors are kept. Returns true when at
// least one pending entry was committed.
func (s *Store) CommitLabel(username, label, modelVersion string) (bool, error) {
	if !ValidIdentifier(username) || !ValidIdentifier(label) {
		return false, ErrInvalidIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(username)
	if err != nil {
		return false, err
	}

	updated := false
	for camType, vec := range rec.Pending {
		entries := rec.Embeddings[camType]

		idx := findLabel(entries, label)
		if idx < 0 && s.maxEmbeddings > 0 && len(entries) >= s.maxEmbeddings {
			logging.Warnf("Max embeddings (%d) reached for %s/%s", s.maxEmbeddings, username, camType)
			return false, ErrCapacity
		}

		entry := EmbeddingEntry{
			Label:        label,
			Data:         vec,
			Created:      time.Now().Unix(),
			ModelVersion: modelVersion,
		}
		if idx >= 0 {
			entries[idx] = entry
		} else {
			entries = append(entries, entry)
		}
		if rec.Embeddings == nil {
			rec.Embeddings = make(map[string][]EmbeddingEntry)
		}
		rec.Embeddings[camType] = entries
		delete(rec.Pending, camType)
		updated = true
	}

	if !updated {
		return false, nil
	}
	if err := s.save(rec); err != nil {
		return false, err
	}
	logging.Infof("Set label %q for %s", label, username)
	return true, nil
}

// TrainAppend adds the captured vectors as new labeled entries, one per
// camera type. Exceeding capacity on any type aborts the whole
// operation without writing. Returns true when anything was added.
func (s *Store) TrainAppend(username, label string, vectors map[string][]float32) (bool, error) {
	if !ValidIdentifier(username) || !ValidIdentifier(label) {
		return false, ErrInvalidIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(username)
	if err != nil {
		return false, err
	}

	updated := false
	for camType, vec := range vectors {
		entries := rec.Embeddings[camType]
		if s.maxEmbeddings > 0 && len(entries) >= s.maxEmbeddings {
			logging.Warnf("Max embeddings reached for %s", username)
			return false, ErrCapacity
		}
		if rec.Embeddings == nil {
			rec.Embeddings = make(map[string][]EmbeddingEntry)
		}
		rec.Embeddings[camType] = append(entries, EmbeddingEntry{
			Label:   label,
			Data:    vec,
			Created: time.Now().Unix(),
		})
		updated = true
	}

	if !updated {
		return false, nil
	}
	return true, s.save(rec)
}

// TrainRefine folds the captured vectors into the entries carrying the
// given label: the old and new vectors are summed and renormalized to
// unit length, giving an incremental running average. A missing label
// is created instead. Returns true when anything changed.
func (s *Store) TrainRefine(username, label string, vectors map[string][]float32) (bool, error) {
	if !ValidIdentifier(username) || !ValidIdentifier(label) {
		return false, ErrInvalidIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(username)
	if err != nil {
		return false, err
	}

	updated := false
	for camType, vec := range vectors {
		entries := rec.Embeddings[camType]
		if idx := findLabel(entries, label); idx >= 0 {
			entries[idx].Data = sumNormalized(entries[idx].Data, vec)
			entries[idx].Created = time.Now().Unix()
			logging.Infof("Refined embedding %q for %s/%s", label, username, camType)
		} else {
			entries = append(entries, EmbeddingEntry{
				Label:   label,
				Data:    vec,
				Created: time.Now().Unix(),
			})
			logging.Infof("Created embedding %q for %s/%s", label, username, camType)
		}
		if rec.Embeddings == nil {
			rec.Embeddings = make(map[string][]EmbeddingEntry)
		}
		rec.Embeddings[camType] = entries
		updated = true
	}

	if !updated {
		return false, nil
	}
	return true, s.save(rec)
}

// ListLabels returns the distinct labels across all camera types, in
// type order. Entries still stored in the legacy singular format are
// reported as "default (legacy)".
func (s *Store) ListLabels(username string) ([]string, error) {
	if !ValidIdentifier(username) {
		return nil, ErrInvalidIdentifier
	}

	rec, err := s.load(username)
	if err != nil {
		return nil, err
	}

	types := make([]string, 0, len(rec.Embeddings))
	for camType := range rec.Embeddings {
		types = append(types, camType)
	}
	sort.Strings(types)

	var labels []string
	seen := make(map[string]bool)
	for _, camType := range types {
		for _, entry := range rec.Embeddings[camType] {
			label := entry.Label
			if rec.legacyTypes[camType] && label == LegacyLabel {
				label = LegacyLabel + " (legacy)"
			}
			if !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
	}
	return labels, nil
}

// RemoveLabel deletes every entry carrying the label across all camera
// types. Removing an unknown label is not an error: it returns false
// and the document is left untouched.
func (s *Store) RemoveLabel(username, label string) (bool, error) {
	if !ValidIdentifier(username) || !ValidIdentifier(label) {
		return false, ErrInvalidIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(username)
	if err != nil {
		return false, err
	}

	removed := false
	for camType, entries := range rec.Embeddings {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Label == label {
				removed = true
				continue
			}
			kept = append(kept, entry)
		}
		rec.Embeddings[camType] = kept
	}

	if !removed {
		return false, nil
	}
	if err := s.save(rec); err != nil {
		return false, err
	}
	logging.Infof("Removed embedding %q for %s", label, username)
	return true, nil
}

func findLabel(entries []EmbeddingEntry, label string) int {
	for i := range entries {
		if entries[i].Label == label {
			return i
		}
	}
	return -1
}

func sumNormalized(a, b []float32) []float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := make([]float32, n)
	var norm float64
	for i := 0; i < n; i++ {
		sum[i] = a[i] + b[i]
		norm += float64(sum[i]) * float64(sum[i])
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range sum {
			sum[i] *= scale
		}
	}
	return sum
}

// document schema ------------------------------------------------------

const (
	embeddingsPrefix = "embeddings_"
	pendingPrefix    = "_pending_"
	legacyPrefix     = "embedding_"
)

func decodeRecord(data []byte) (*UserRecord, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	rec := &UserRecord{
		Embeddings:  make(map[string][]EmbeddingEntry),
		Pending:     make(map[string][]float32),
		legacyTypes: make(map[string]bool),
	}

	if v, ok := raw["username"]; ok {
		_ = json.Unmarshal(v, &rec.Username)
	}
	if v, ok := raw["created"]; ok {
		_ = json.Unmarshal(v, &rec.Created)
	}

	for key, v := range raw {
		switch {
		case strings.HasPrefix(key, embeddingsPrefix):
			camType := strings.TrimPrefix(key, embeddingsPrefix)
			var entries []EmbeddingEntry
			if err := json.Unmarshal(v, &entries); err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			rec.Embeddings[camType] = entries
		case strings.HasPrefix(key, pendingPrefix):
			camType := strings.TrimPrefix(key, pendingPrefix)
			var vec []float32
			if err := json.Unmarshal(v, &vec); err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			rec.Pending[camType] = vec
		}
	}

	// Legacy singular fields in a second pass so the array form wins
	// when a document somehow carries both.
	for key, v := range raw {
		if !strings.HasPrefix(key, legacyPrefix) || strings.HasPrefix(key, embeddingsPrefix) {
			continue
		}
		camType := strings.TrimPrefix(key, legacyPrefix)
		if _, migrated := rec.Embeddings[camType]; migrated {
			continue
		}
		var vec []float32
		if err := json.Unmarshal(v, &vec); err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		rec.Embeddings[camType] = []EmbeddingEntry{{
			Label:   LegacyLabel,
			Data:    vec,
			Created: rec.Created,
		}}
		rec.legacyTypes[camType] = true
	}

	return rec, nil
}

func encodeRecord(rec *UserRecord) ([]byte, error) {
	doc := make(map[string]interface{})
	doc["username"] = rec.Username
	doc["created"] = rec.Created
	for camType, entries := range rec.Embeddings {
		doc[embeddingsPrefix+camType] = entries
	}
	for camType, vec := range rec.Pending {
		doc[pendingPrefix+camType] = vec
	}
	return json.MarshalIndent(doc, "", "  ")
}
