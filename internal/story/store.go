// Package story holds the in-memory story trees. Stories have a single
// logical owner and writer; the mutex exists because scheduler job
// completions land from worker goroutines.
//
// Mutation goes through explicit functions that return the updated entity,
// so scheduler side effects (clearing in-progress flags, writing asset refs)
// are observable without a reactivity framework.
package story

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storyloom/server/internal/models"
)

type Store struct {
	mu      sync.RWMutex
	stories map[uuid.UUID]*models.Story
}

func NewStore() *Store {
	return &Store{
		stories: make(map[uuid.UUID]*models.Story),
	}
}

// Put registers a story tree. Missing ids (story, scenes, shots) are
// assigned; character names must be unique within the story.
func (s *Store) Put(story *models.Story) (*models.Story, error) {
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	seen := make(map[string]bool, len(story.Characters))
	for _, ch := range story.Characters {
		if ch.Name == "" {
			return nil, fmt.Errorf("character with empty name")
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("duplicate character name %q", ch.Name)
		}
		seen[ch.Name] = true
	}
	for i := range story.Scenes {
		if story.Scenes[i].ID == uuid.Nil {
			story.Scenes[i].ID = uuid.New()
		}
		for j := range story.Scenes[i].Shots {
			if story.Scenes[i].Shots[j].ID == uuid.Nil {
				story.Scenes[i].Shots[j].ID = uuid.New()
			}
		}
	}
	now := time.Now()
	story.CreatedAt = now
	story.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories[story.ID] = story
	return copyStory(story), nil
}

// Get returns a deep copy of the story so readers never observe concurrent
// mutation.
func (s *Store) Get(id uuid.UUID) (*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[id]
	if !ok {
		return nil, fmt.Errorf("story not found: %s", id)
	}
	return copyStory(story), nil
}

// GetShot returns a copy of one shot.
func (s *Store) GetShot(storyID, shotID uuid.UUID) (*models.Shot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story not found: %s", storyID)
	}
	shot := findShot(story, shotID)
	if shot == nil {
		return nil, fmt.Errorf("shot not found: %s", shotID)
	}
	out := *shot
	return &out, nil
}

// SetShotInProgress sets one of a shot's three independent in-progress flags.
func (s *Store) SetShotInProgress(storyID, shotID uuid.UUID, kind models.JobKind, inProgress bool) (*models.Shot, error) {
	return s.mutateShot(storyID, shotID, func(shot *models.Shot) {
		switch kind {
		case models.JobKindImage:
			shot.ImageInProgress = inProgress
		case models.JobKindVideo:
			shot.VideoInProgress = inProgress
		case models.JobKindAudio:
			shot.AudioInProgress = inProgress
		}
	})
}

// SetShotAsset writes the asset ref for a finished job and clears the
// matching in-progress flag in the same critical section, so observers that
// key off entity state never see a populated ref with the flag still up.
func (s *Store) SetShotAsset(storyID, shotID uuid.UUID, kind models.JobKind, ref string) (*models.Shot, error) {
	return s.mutateShot(storyID, shotID, func(shot *models.Shot) {
		switch kind {
		case models.JobKindImage:
			shot.ImageRef = &ref
			shot.ImageInProgress = false
		case models.JobKindVideo:
			shot.VideoClipRef = &ref
			shot.VideoInProgress = false
		case models.JobKindAudio:
			shot.SpeechClipRef = &ref
			shot.AudioInProgress = false
		}
	})
}

// SetCharacterInProgress flips a character's single in-progress flag.
func (s *Store) SetCharacterInProgress(storyID uuid.UUID, name string, inProgress bool) (*models.Character, error) {
	return s.mutateCharacter(storyID, name, func(ch *models.Character) {
		ch.InProgress = inProgress
	})
}

// SetCharacterImage records a finished character image and clears the flag.
func (s *Store) SetCharacterImage(storyID uuid.UUID, name, ref string) (*models.Character, error) {
	return s.mutateCharacter(storyID, name, func(ch *models.Character) {
		ch.ImageRef = &ref
		ch.InProgress = false
	})
}

// ClearStaleFlags clears any in-progress flag whose asset ref is still empty,
// except flags listed in keep. An unkept flag with no asset behind it is a
// leftover from an interrupted prior run; without this sweep the entity
// becomes permanently unselectable. Flags in keep are live reservations held
// by batches that have not run yet. Returns how many flags were cleared.
func (s *Store) ClearStaleFlags(storyID uuid.UUID, keep models.Reservations) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[storyID]
	if !ok {
		return 0, fmt.Errorf("story not found: %s", storyID)
	}

	cleared := 0
	for i := range story.Scenes {
		for j := range story.Scenes[i].Shots {
			shot := &story.Scenes[i].Shots[j]
			if shot.ImageInProgress && shot.ImageRef == nil && !keep.HasShot(shot.ID, models.JobKindImage) {
				shot.ImageInProgress = false
				cleared++
			}
			if shot.VideoInProgress && shot.VideoClipRef == nil && !keep.HasShot(shot.ID, models.JobKindVideo) {
				shot.VideoInProgress = false
				cleared++
			}
			if shot.AudioInProgress && shot.SpeechClipRef == nil && !keep.HasShot(shot.ID, models.JobKindAudio) {
				shot.AudioInProgress = false
				cleared++
			}
		}
	}
	for i := range story.Characters {
		ch := &story.Characters[i]
		if ch.InProgress && ch.ImageRef == nil && !keep.HasCharacter(ch.Name) {
			ch.InProgress = false
			cleared++
		}
	}
	if cleared > 0 {
		story.UpdatedAt = time.Now()
	}
	return cleared, nil
}

func (s *Store) mutateShot(storyID, shotID uuid.UUID, fn func(*models.Shot)) (*models.Shot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story not found: %s", storyID)
	}
	shot := findShot(story, shotID)
	if shot == nil {
		return nil, fmt.Errorf("shot not found: %s", shotID)
	}
	fn(shot)
	story.UpdatedAt = time.Now()
	out := *shot
	return &out, nil
}

func (s *Store) mutateCharacter(storyID uuid.UUID, name string, fn func(*models.Character)) (*models.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("story not found: %s", storyID)
	}
	for i := range story.Characters {
		if story.Characters[i].Name == name {
			fn(&story.Characters[i])
			story.UpdatedAt = time.Now()
			out := story.Characters[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("character not found: %s", name)
}

func findShot(story *models.Story, shotID uuid.UUID) *models.Shot {
	for i := range story.Scenes {
		for j := range story.Scenes[i].Shots {
			if story.Scenes[i].Shots[j].ID == shotID {
				return &story.Scenes[i].Shots[j]
			}
		}
	}
	return nil
}

func copyStory(story *models.Story) *models.Story {
	out := *story
	out.Scenes = make([]models.Scene, len(story.Scenes))
	for i, scene := range story.Scenes {
		sc := scene
		sc.Shots = append([]models.Shot(nil), scene.Shots...)
		out.Scenes[i] = sc
	}
	out.Characters = append([]models.Character(nil), story.Characters...)
	return &out
}
