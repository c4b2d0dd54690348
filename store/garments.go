package store

import (
	"fmt"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
)

func (s *SessionStore) garmentIndexLocked(id string) int {
	for i := range s.garments {
		if s.garments[i].ID == id {
			return i
		}
	}
	return -1
}

func validateGarment(op string, g models.Garment) error {
	if !g.Category.Valid() {
		return apperr.Validationf(op, "unknown garment category %q", g.Category)
	}
	if !g.Image.Valid() {
		return apperr.Validationf(op, "garment %s needs exactly one of image uri or asset", g.ID)
	}
	return nil
}

// AddGarment inserts g. User-added garments must not repeat a source URL.
func (s *SessionStore) AddGarment(g models.Garment) (models.Garment, error) {
	const op = "add garment"
	g = g.Clone()
	g.Title = strings.TrimSpace(g.Title)
	g.SourceURL = strings.TrimSpace(g.SourceURL)
	if g.ID == "" {
		g.ID = newID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	if err := validateGarment(op, g); err != nil {
		return models.Garment{}, err
	}

	s.mu.Lock()
	if s.garmentIndexLocked(g.ID) >= 0 {
		s.mu.Unlock()
		return models.Garment{}, apperr.Conflict(op, fmt.Errorf("%w: garment %s", apperr.ErrAlreadyExists, g.ID))
	}
	if g.IsUserAdded && g.SourceURL != "" {
		for _, existing := range s.garments {
			if existing.IsUserAdded && existing.SourceURL == g.SourceURL {
				s.mu.Unlock()
				return models.Garment{}, apperr.Conflict(op, fmt.Errorf("%w: garment from %s", apperr.ErrAlreadyExists, g.SourceURL))
			}
		}
	}
	s.garments = append(s.garments, g)
	s.mu.Unlock()

	s.scheduleFlush()
	return g.Clone(), nil
}

// GarmentBySource finds a user-added garment imported from sourceURL.
func (s *SessionStore) GarmentBySource(sourceURL string) (models.Garment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.garments {
		if g.IsUserAdded && g.SourceURL == sourceURL {
			return g.Clone(), true
		}
	}
	return models.Garment{}, false
}

// UpdateGarment applies fn to a copy of the garment and commits it if it stays valid.
// The id cannot be changed.
func (s *SessionStore) UpdateGarment(id string, fn func(*models.Garment)) (models.Garment, error) {
	const op = "update garment"
	s.mu.Lock()
	idx := s.garmentIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return models.Garment{}, notFound(op, "garment", id)
	}
	next := s.garments[idx].Clone()
	fn(&next)
	next.ID = id
	if err := validateGarment(op, next); err != nil {
		s.mu.Unlock()
		return models.Garment{}, err
	}
	s.garments[idx] = next
	s.mu.Unlock()

	s.scheduleFlush()
	return next.Clone(), nil
}

// RemoveGarment deletes the garment. Jobs keep their garment ids as history.
func (s *SessionStore) RemoveGarment(id string) error {
	s.mu.Lock()
	idx := s.garmentIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return notFound("remove garment", "garment", id)
	}
	s.garments = append(s.garments[:idx], s.garments[idx+1:]...)
	s.mu.Unlock()

	s.scheduleFlush()
	return nil
}

func (s *SessionStore) Garment(id string) (models.Garment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.garmentIndexLocked(id)
	if idx < 0 {
		return models.Garment{}, notFound("get garment", "garment", id)
	}
	return s.garments[idx].Clone(), nil
}

// Garments returns all garments in insertion order.
func (s *SessionStore) Garments() []models.Garment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Garment, 0, len(s.garments))
	for _, g := range s.garments {
		out = append(out, g.Clone())
	}
	return out
}

// SelectGarments returns the garments for ids in the given order.
func (s *SessionStore) SelectGarments(ids []string) ([]models.Garment, error) {
	const op = "select garments"
	if len(ids) == 0 {
		return nil, apperr.Validationf(op, "at least one garment is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	out := make([]models.Garment, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, apperr.Validationf(op, "garment %s selected twice", id)
		}
		seen[id] = struct{}{}
		idx := s.garmentIndexLocked(id)
		if idx < 0 {
			return nil, apperr.Validation(op, fmt.Errorf("%w: garment %s", apperr.ErrNotFound, id))
		}
		out = append(out, s.garments[idx].Clone())
	}
	return out, nil
}
