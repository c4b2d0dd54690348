package store

import (
	"fmt"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/models"
)

func (s *SessionStore) profileIndexLocked(id string) int {
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			return i
		}
	}
	return -1
}

// AddProfile inserts p. The first profile becomes both default and active.
func (s *SessionStore) AddProfile(p models.Profile) (models.Profile, error) {
	const op = "add profile"
	p = p.Clone()
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" {
		return models.Profile{}, apperr.Validationf(op, "display name is required")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	for i := range p.Photos {
		if p.Photos[i].ID == "" {
			p.Photos[i].ID = newID()
		}
		if p.Photos[i].CreatedAt.IsZero() {
			p.Photos[i].CreatedAt = now
		}
		if p.Photos[i].Pose == "" {
			p.Photos[i].Pose = models.PoseFront
		}
	}

	s.mu.Lock()
	if s.profileIndexLocked(p.ID) >= 0 {
		s.mu.Unlock()
		return models.Profile{}, apperr.Conflict(op, fmt.Errorf("%w: profile %s", apperr.ErrAlreadyExists, p.ID))
	}
	first := len(s.profiles) == 0
	if first {
		p.IsDefault = true
	} else if p.IsDefault {
		s.clearDefaultLocked()
	}
	s.profiles = append(s.profiles, p)
	if first || s.activeProfileID == nil {
		id := p.ID
		s.activeProfileID = &id
	}
	s.mu.Unlock()

	s.scheduleFlush()
	return p.Clone(), nil
}

func (s *SessionStore) clearDefaultLocked() {
	for i := range s.profiles {
		s.profiles[i].IsDefault = false
	}
}

// UpdateProfileGender sets or clears (nil) the gender tag.
func (s *SessionStore) UpdateProfileGender(id string, gender *string) (models.Profile, error) {
	return s.mutateProfile("update profile gender", id, func(p *models.Profile) error {
		if gender == nil || strings.TrimSpace(*gender) == "" {
			p.Gender = nil
			return nil
		}
		g := strings.ToLower(strings.TrimSpace(*gender))
		p.Gender = &g
		return nil
	})
}

// AddProfilePhoto appends a photo; the first photo is the one used for composition.
func (s *SessionStore) AddProfilePhoto(profileID string, photo models.Photo) (models.Photo, error) {
	if strings.TrimSpace(photo.URI) == "" {
		return models.Photo{}, apperr.Validationf("add profile photo", "photo uri is required")
	}
	if photo.ID == "" {
		photo.ID = newID()
	}
	if photo.CreatedAt.IsZero() {
		photo.CreatedAt = s.now()
	}
	if photo.Pose == "" {
		photo.Pose = models.PoseFront
	}
	_, err := s.mutateProfile("add profile photo", profileID, func(p *models.Profile) error {
		for _, existing := range p.Photos {
			if existing.ID == photo.ID {
				return apperr.Conflict("add profile photo", fmt.Errorf("%w: photo %s", apperr.ErrAlreadyExists, photo.ID))
			}
		}
		p.Photos = append(p.Photos, photo)
		return nil
	})
	if err != nil {
		return models.Photo{}, err
	}
	return photo, nil
}

// UpdatePhotoURI replaces a photo's URI, typically a local path with its uploaded URL.
func (s *SessionStore) UpdatePhotoURI(profileID, photoID, uri string) error {
	_, err := s.mutateProfile("update photo uri", profileID, func(p *models.Profile) error {
		for i := range p.Photos {
			if p.Photos[i].ID == photoID {
				p.Photos[i].URI = uri
				return nil
			}
		}
		return notFound("update photo uri", "photo", photoID)
	})
	return err
}

func (s *SessionStore) RemoveProfilePhoto(profileID, photoID string) error {
	_, err := s.mutateProfile("remove profile photo", profileID, func(p *models.Profile) error {
		for i := range p.Photos {
			if p.Photos[i].ID == photoID {
				p.Photos = append(p.Photos[:i], p.Photos[i+1:]...)
				return nil
			}
		}
		return notFound("remove profile photo", "photo", photoID)
	})
	return err
}

// mutateProfile applies fn to a copy and commits it only when fn succeeds.
func (s *SessionStore) mutateProfile(op, id string, fn func(*models.Profile) error) (models.Profile, error) {
	s.mu.Lock()
	idx := s.profileIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return models.Profile{}, notFound(op, "profile", id)
	}
	next := s.profiles[idx].Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return models.Profile{}, err
	}
	s.profiles[idx] = next
	s.mu.Unlock()

	s.scheduleFlush()
	return next.Clone(), nil
}

// SetDefaultProfile makes id the only default profile.
func (s *SessionStore) SetDefaultProfile(id string) error {
	s.mu.Lock()
	idx := s.profileIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return notFound("set default profile", "profile", id)
	}
	s.clearDefaultLocked()
	s.profiles[idx].IsDefault = true
	s.mu.Unlock()

	s.scheduleFlush()
	return nil
}

// SetActiveProfile points the session at id. An empty id clears the pointer.
func (s *SessionStore) SetActiveProfile(id string) error {
	s.mu.Lock()
	if id == "" {
		s.activeProfileID = nil
		s.mu.Unlock()
		s.scheduleFlush()
		return nil
	}
	if s.profileIndexLocked(id) < 0 {
		s.mu.Unlock()
		return notFound("set active profile", "profile", id)
	}
	s.activeProfileID = &id
	s.mu.Unlock()

	s.scheduleFlush()
	return nil
}

// DeleteProfile removes the profile, nulls job references and the active pointer,
// and hands the default flag to the oldest remaining profile.
func (s *SessionStore) DeleteProfile(id string) (models.Profile, error) {
	s.mu.Lock()
	idx := s.profileIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return models.Profile{}, notFound("delete profile", "profile", id)
	}
	removed := s.profiles[idx]
	s.profiles = append(s.profiles[:idx], s.profiles[idx+1:]...)

	for i := range s.jobs {
		if s.jobs[i].ProfileID != nil && *s.jobs[i].ProfileID == id {
			s.jobs[i].ProfileID = nil
		}
	}
	if s.activeProfileID != nil && *s.activeProfileID == id {
		s.activeProfileID = nil
	}
	if removed.IsDefault && len(s.profiles) > 0 {
		oldest := 0
		for i := range s.profiles {
			if s.profiles[i].CreatedAt.Before(s.profiles[oldest].CreatedAt) {
				oldest = i
			}
		}
		s.profiles[oldest].IsDefault = true
	}
	s.mu.Unlock()

	s.scheduleFlush()
	return removed, nil
}

func (s *SessionStore) Profile(id string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.profileIndexLocked(id)
	if idx < 0 {
		return models.Profile{}, notFound("get profile", "profile", id)
	}
	return s.profiles[idx].Clone(), nil
}

func (s *SessionStore) Profiles() []models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// ActiveProfile returns the profile the session points at, if any.
func (s *SessionStore) ActiveProfile() (models.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeProfileID == nil {
		return models.Profile{}, false
	}
	idx := s.profileIndexLocked(*s.activeProfileID)
	if idx < 0 {
		return models.Profile{}, false
	}
	return s.profiles[idx].Clone(), true
}

func (s *SessionStore) ActiveProfileID() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeProfileID == nil {
		return nil
	}
	id := *s.activeProfileID
	return &id
}
