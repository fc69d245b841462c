package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danieldreier/studyhall/internal/review"
	"go.uber.org/zap"
)

// fileStore is the document written to disk.
type fileStore struct {
	Cards       map[string]review.Card    `json:"cards"`
	Sessions    map[string]review.Session `json:"sessions"`
	LastUpdated time.Time                 `json:"last_updated"`
}

func emptyFileStore() fileStore {
	return fileStore{
		Cards:    make(map[string]review.Card),
		Sessions: make(map[string]review.Session),
	}
}

// FileStorage implements Storage on a single JSON file. Every mutation is
// written through to disk before it returns.
type FileStorage struct {
	filePath string
	store    fileStore
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewFileStorage creates a FileStorage backed by filePath. Call Load before
// use.
func NewFileStorage(filePath string, logger *zap.Logger) *FileStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStorage{
		filePath: filePath,
		store:    emptyFileStore(),
		logger:   logger.Named("file_storage").With(zap.String("path", filePath)),
	}
}

// CreateCards adds cards. Either all of them are stored or none.
func (fs *FileStorage) CreateCards(_ context.Context, cards ...review.Card) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, c := range cards {
		if _, exists := fs.store.Cards[c.ID]; exists {
			return fmt.Errorf("card %s already exists", c.ID)
		}
	}
	for _, c := range cards {
		fs.store.Cards[c.ID] = c
	}
	if err := fs.save(); err != nil {
		for _, c := range cards {
			delete(fs.store.Cards, c.ID)
		}
		return err
	}
	fs.logger.Debug("cards created", zap.Int("count", len(cards)))
	return nil
}

// GetCard retrieves a card owned by userID.
func (fs *FileStorage) GetCard(_ context.Context, userID, id string) (review.Card, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	card, exists := fs.store.Cards[id]
	if !exists || card.UserID != userID {
		return review.Card{}, ErrCardNotFound
	}
	return card, nil
}

// ListCards returns a user's cards, optionally restricted to one document.
func (fs *FileStorage) ListCards(_ context.Context, userID string, documentID *string) ([]review.Card, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]review.Card, 0)
	for _, card := range fs.store.Cards {
		if card.UserID == userID && card.InDocument(documentID) {
			result = append(result, card)
		}
	}
	sortCards(result)
	return result, nil
}

// UpdateCard applies fn to a card under the write lock and saves it.
func (fs *FileStorage) UpdateCard(_ context.Context, userID, id string, fn func(*review.Card) error) (review.Card, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	original, exists := fs.store.Cards[id]
	if !exists || original.UserID != userID {
		return review.Card{}, ErrCardNotFound
	}

	updated := original
	if err := fn(&updated); err != nil {
		return review.Card{}, err
	}
	pinCardIdentity(&updated, original)

	fs.store.Cards[id] = updated
	if err := fs.save(); err != nil {
		fs.store.Cards[id] = original
		return review.Card{}, err
	}
	return updated, nil
}

// DeleteCard removes a card owned by userID.
func (fs *FileStorage) DeleteCard(_ context.Context, userID, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	card, exists := fs.store.Cards[id]
	if !exists || card.UserID != userID {
		return ErrCardNotFound
	}

	delete(fs.store.Cards, id)
	if err := fs.save(); err != nil {
		fs.store.Cards[id] = card
		return err
	}
	fs.logger.Debug("card deleted", zap.String("card_id", id))
	return nil
}

// CreateSession stores a new session.
func (fs *FileStorage) CreateSession(_ context.Context, session review.Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.store.Sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	fs.store.Sessions[session.ID] = session
	if err := fs.save(); err != nil {
		delete(fs.store.Sessions, session.ID)
		return err
	}
	return nil
}

// GetSession retrieves a session owned by userID.
func (fs *FileStorage) GetSession(_ context.Context, userID, id string) (review.Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	session, exists := fs.store.Sessions[id]
	if !exists || session.UserID != userID {
		return review.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns every session of a user.
func (fs *FileStorage) ListSessions(_ context.Context, userID string) ([]review.Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]review.Session, 0)
	for _, s := range fs.store.Sessions {
		if s.UserID == userID {
			result = append(result, s)
		}
	}
	sortSessions(result)
	return result, nil
}

// UpdateSession applies fn to a session under the write lock and saves it.
func (fs *FileStorage) UpdateSession(_ context.Context, userID, id string, fn func(*review.Session) error) (review.Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	original, exists := fs.store.Sessions[id]
	if !exists || original.UserID != userID {
		return review.Session{}, ErrSessionNotFound
	}

	updated := original
	if err := fn(&updated); err != nil {
		return review.Session{}, err
	}
	pinSessionIdentity(&updated, original)

	fs.store.Sessions[id] = updated
	if err := fs.save(); err != nil {
		fs.store.Sessions[id] = original
		return review.Session{}, err
	}
	return updated, nil
}

// Close implements Storage. The file is already up to date.
func (fs *FileStorage) Close() error {
	return nil
}

// save writes the store atomically. The write lock must be held.
func (fs *FileStorage) save() error {
	fs.store.LastUpdated = time.Now().UTC()

	dataBytes, err := json.MarshalIndent(fs.store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage data: %w", err)
	}

	dir := filepath.Dir(fs.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temporary file, then rename over the target.
	tempFile := fs.filePath + ".tmp"
	if err := os.WriteFile(tempFile, dataBytes, 0644); err != nil {
		os.Remove(tempFile)
		fs.logger.Error("error writing temp file", zap.Error(err))
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempFile, fs.filePath); err != nil {
		os.Remove(tempFile)
		fs.logger.Error("error renaming temp file", zap.Error(err))
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Load reads the file, creating it with an empty store if it does not exist.
func (fs *FileStorage) Load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Stat(fs.filePath); os.IsNotExist(err) {
		fs.logger.Info("storage file not found, initializing empty store")
		fs.store = emptyFileStore()
		if err := fs.save(); err != nil {
			return fmt.Errorf("failed to save initial empty store: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return fmt.Errorf("failed to read storage file: %w", err)
	}
	if len(data) == 0 {
		fs.store = emptyFileStore()
		return nil
	}

	var store fileStore
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("failed to unmarshal storage data: %w", err)
	}
	if store.Cards == nil {
		store.Cards = make(map[string]review.Card)
	}
	if store.Sessions == nil {
		store.Sessions = make(map[string]review.Session)
	}

	fs.store = store
	fs.logger.Info("storage loaded",
		zap.Int("cards", len(store.Cards)),
		zap.Int("sessions", len(store.Sessions)))
	return nil
}
