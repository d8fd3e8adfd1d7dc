package world

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeed reads a room graph from a YAML file.
func LoadSeed(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("world: read seed %s: %w", path, err)
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("world: parse seed %s: %w", path, err)
	}
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that room ids are unique, exits lead to known rooms and
// the start room exists.
func (s *Snapshot) Validate() error {
	if len(s.Rooms) == 0 {
		return fmt.Errorf("%w: no rooms", ErrInvalidSnapshot)
	}
	ids := make(map[string]bool, len(s.Rooms))
	for _, r := range s.Rooms {
		if r.ID == "" {
			return fmt.Errorf("%w: room without id", ErrInvalidSnapshot)
		}
		if ids[r.ID] {
			return fmt.Errorf("%w: duplicate room %q", ErrInvalidSnapshot, r.ID)
		}
		ids[r.ID] = true
	}
	for _, r := range s.Rooms {
		for dir, to := range r.Exits {
			if !ids[to] {
				return fmt.Errorf("%w: exit %s from %q leads to unknown room %q", ErrInvalidSnapshot, dir, r.ID, to)
			}
		}
	}
	if !ids[s.StartRoom] {
		return fmt.Errorf("%w: start room %q not found", ErrInvalidSnapshot, s.StartRoom)
	}
	return nil
}

// DefaultSnapshot returns the small built-in world used when neither the
// store nor a seed file provides one.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		StartRoom: "plaza",
		Rooms: []Room{
			{
				ID:          "plaza",
				Name:        "Town Square",
				Description: "A cobbled square with a dry fountain at its center. Lanterns hang from iron posts.",
				Exits:       map[string]string{"north": "library", "east": "tavern", "south": "garden"},
			},
			{
				ID:          "library",
				Name:        "Quiet Library",
				Description: "Shelves climb to a vaulted ceiling. Voices carry further than you would like.",
				Exits:       map[string]string{"south": "plaza"},
			},
			{
				ID:          "tavern",
				Name:        "The Copper Kettle",
				Description: "A low-beamed taproom smelling of woodsmoke and spilled cider.",
				Exits:       map[string]string{"west": "plaza"},
			},
			{
				ID:          "garden",
				Name:        "Walled Garden",
				Description: "Gravel paths wind between overgrown beds of lavender.",
				Exits:       map[string]string{"north": "plaza"},
			},
		},
	}
}
