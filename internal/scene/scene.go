// Package scene holds the in-memory copy of a project's scene graph that each
// editing client keeps. Remote deltas and full-state syncs are applied here;
// the authoritative copy lives in the versioned data store.
package scene

import (
	"encoding/json"
	"sort"
	"sync"
)

type Object struct {
	ID         string          `json:"id"`
	Type       string          `json:"type,omitempty"`
	Position   [3]float64      `json:"position"`
	Rotation   [3]float64      `json:"rotation"`
	Scale      [3]float64      `json:"scale"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeRemove ChangeKind = "remove"
	ChangeUpdate ChangeKind = "update"
)

type Change struct {
	Kind   ChangeKind `json:"kind"`
	Object Object     `json:"object"`
}

// Scene is safe for concurrent use; broadcast handlers and the local editor
// both mutate it.
type Scene struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func New() *Scene {
	return &Scene{objects: make(map[string]Object)}
}

// ApplyChange applies one add/remove/update delta by object ID. Remove and
// update of an unknown ID are ignored; the object may already be gone locally.
func (s *Scene) ApplyChange(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch change.Kind {
	case ChangeAdd:
		s.objects[change.Object.ID] = change.Object
	case ChangeRemove:
		delete(s.objects, change.Object.ID)
	case ChangeUpdate:
		if _, ok := s.objects[change.Object.ID]; ok {
			s.objects[change.Object.ID] = change.Object
		}
	}
}

// ReplaceAll swaps in a full object list wholesale. Applying the same list
// twice leaves the scene identical, which is what makes scene-sync a safe
// recovery path for missed deltas.
func (s *Scene) ReplaceAll(objects []Object) {
	next := make(map[string]Object, len(objects))
	for _, object := range objects {
		next[object.ID] = object
	}

	s.mu.Lock()
	s.objects = next
	s.mu.Unlock()
}

// Objects returns a snapshot ordered by object ID.
func (s *Scene) Objects() []Object {
	s.mu.RLock()
	snapshot := make([]Object, 0, len(s.objects))
	for _, object := range s.objects {
		snapshot = append(snapshot, object)
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// Get returns the object with the given ID, if present.
func (s *Scene) Get(id string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[id]
	return object, ok
}

func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
