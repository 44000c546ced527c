package scene

import (
	"reflect"
	"testing"
)

func TestApplyChangeAdd(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "obj-1", Type: "cube"}})

	object, ok := s.Get("obj-1")
	if !ok {
		t.Fatal("expected obj-1 to exist")
	}
	if object.Type != "cube" {
		t.Errorf("expected type cube, got %q", object.Type)
	}
}

func TestApplyChangeUpdateUnknownIDIgnored(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeUpdate, Object: Object{ID: "ghost", Type: "cube"}})

	if s.Len() != 0 {
		t.Errorf("expected empty scene, got %d objects", s.Len())
	}
}

func TestApplyChangeRemoveUnknownIDIgnored(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "obj-1"}})
	s.ApplyChange(Change{Kind: ChangeRemove, Object: Object{ID: "ghost"}})

	if s.Len() != 1 {
		t.Errorf("expected 1 object, got %d", s.Len())
	}
}

func TestApplyChangeRemove(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "obj-1"}})
	s.ApplyChange(Change{Kind: ChangeRemove, Object: Object{ID: "obj-1"}})

	if _, ok := s.Get("obj-1"); ok {
		t.Error("expected obj-1 to be removed")
	}
}

func TestApplyChangeUpdateExisting(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "obj-1", Position: [3]float64{0, 0, 0}}})
	s.ApplyChange(Change{Kind: ChangeUpdate, Object: Object{ID: "obj-1", Position: [3]float64{1, 2, 3}}})

	object, _ := s.Get("obj-1")
	if object.Position != [3]float64{1, 2, 3} {
		t.Errorf("expected updated position, got %v", object.Position)
	}
}

func TestReplaceAllIsIdempotent(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "stale"}})

	objects := []Object{
		{ID: "obj-2", Type: "light"},
		{ID: "obj-1", Type: "cube"},
	}
	s.ReplaceAll(objects)
	first := s.Objects()

	s.ReplaceAll(objects)
	second := s.Objects()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("ReplaceAll not idempotent: %v vs %v", first, second)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(first))
	}
	if _, ok := s.Get("stale"); ok {
		t.Error("expected stale object to be dropped by full sync")
	}
}

func TestObjectsOrderedByID(t *testing.T) {
	s := New()
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "b"}})
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "a"}})
	s.ApplyChange(Change{Kind: ChangeAdd, Object: Object{ID: "c"}})

	objects := s.Objects()
	for i := 1; i < len(objects); i++ {
		if objects[i-1].ID >= objects[i].ID {
			t.Fatalf("objects not ordered: %v", objects)
		}
	}
}
