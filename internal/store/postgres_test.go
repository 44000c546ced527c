package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"scenesync/api/internal/util"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}
	return url
}

func setupTestStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), db
}

func seedProject(t *testing.T, s *PostgresStore) (projectID, userID string) {
	t.Helper()
	ctx := context.Background()

	user, err := s.EnsureUserByName(ctx, util.NewID("usr"), "tester-"+util.NewID(""))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	projectID = util.NewID("prj")
	if err := s.CreateProject(ctx, Project{ID: projectID, Name: "test project", CreatedBy: user.ID}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return projectID, user.ID
}

func mustWrite(t *testing.T, s *PostgresStore, projectID, dataType, dataKey string, payload string, expected *int64, userID string) WriteResult {
	t.Helper()
	result, err := s.WriteEntry(context.Background(), projectID, dataType, dataKey, json.RawMessage(payload), expected, userID)
	if err != nil {
		t.Fatalf("WriteEntry failed: %v", err)
	}
	return result
}

func TestWriteEntryCreatesAtVersionOne(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	result := mustWrite(t, s, projectID, "scene", "main", `{"objects":[]}`, nil, userID)
	if result.Version != 1 {
		t.Errorf("expected version 1, got %d", result.Version)
	}
	if result.UpdatedAt.IsZero() {
		t.Error("expected updatedAt to be set")
	}
}

func TestWriteEntryIgnoresExpectedVersionOnFirstWrite(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	// First write always succeeds, even with a nonsense expected version.
	expected := int64(7)
	result := mustWrite(t, s, projectID, "scene", "main", `{"objects":[]}`, &expected, userID)
	if result.Version != 1 {
		t.Errorf("expected version 1, got %d", result.Version)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	for want := int64(1); want <= 5; want++ {
		result := mustWrite(t, s, projectID, "scene", "main", `{"objects":[]}`, nil, userID)
		if result.Version != want {
			t.Fatalf("expected version %d, got %d", want, result.Version)
		}
	}
}

func TestConflictRejectionLeavesEntryUntouched(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	for i := 0; i < 5; i++ {
		mustWrite(t, s, projectID, "scene", "main", `{"objects":["kept"]}`, nil, userID)
	}

	stale := int64(3)
	_, err := s.WriteEntry(context.Background(), projectID, "scene", "main", json.RawMessage(`{"objects":["clobbered"]}`), &stale, userID)

	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.CurrentVersion != 5 {
		t.Errorf("expected currentVersion 5, got %d", conflict.CurrentVersion)
	}

	entries, err := s.ReadEntries(context.Background(), projectID, "scene", "main")
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Version != 5 {
		t.Errorf("stored version changed to %d", entries[0].Version)
	}
	if string(entries[0].Payload) != `{"objects": ["kept"]}` && string(entries[0].Payload) != `{"objects":["kept"]}` {
		t.Errorf("stored payload changed: %s", entries[0].Payload)
	}
}

func TestEqualOrAheadExpectedVersionProceeds(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	mustWrite(t, s, projectID, "scene", "main", `{}`, nil, userID)
	mustWrite(t, s, projectID, "scene", "main", `{}`, nil, userID)

	equal := int64(2)
	result := mustWrite(t, s, projectID, "scene", "main", `{}`, &equal, userID)
	if result.Version != 3 {
		t.Errorf("expected equal expectedVersion to proceed to 3, got %d", result.Version)
	}

	// Skipping ahead is permitted; only strictly-behind writers are rejected.
	ahead := int64(99)
	result = mustWrite(t, s, projectID, "scene", "main", `{}`, &ahead, userID)
	if result.Version != 4 {
		t.Errorf("expected ahead expectedVersion to proceed to 4, got %d", result.Version)
	}
}

func TestConcurrentSameKeyWrites(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)

	const writers = 16
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.WriteEntry(context.Background(), projectID, "scene", "main", json.RawMessage(`{}`), nil, userID)
			if err != nil {
				t.Errorf("concurrent write failed: %v", err)
				return
			}
			versions <- result.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for version := range versions {
		if seen[version] {
			t.Errorf("two writers observed version %d", version)
		}
		seen[version] = true
	}
	if len(seen) != writers {
		t.Fatalf("expected %d distinct versions, got %d", writers, len(seen))
	}
	for want := int64(1); want <= writers; want++ {
		if !seen[want] {
			t.Errorf("missing version %d in increment sequence", want)
		}
	}
}

func TestReadEntriesFilters(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)
	otherProject, otherUser := seedProject(t, s)

	mustWrite(t, s, projectID, "scene", "main", `{}`, nil, userID)
	mustWrite(t, s, projectID, "scene", "aux", `{}`, nil, userID)
	mustWrite(t, s, projectID, "config", "main", `{}`, nil, userID)
	mustWrite(t, s, otherProject, "scene", "main", `{}`, nil, otherUser)

	all, err := s.ReadEntries(context.Background(), projectID, "", "")
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries for whole project, got %d", len(all))
	}

	scenes, err := s.ReadEntries(context.Background(), projectID, "scene", "")
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(scenes) != 2 {
		t.Errorf("expected 2 scene entries, got %d", len(scenes))
	}

	single, err := s.ReadEntries(context.Background(), projectID, "scene", "main")
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(single) != 1 || single[0].DataKey != "main" {
		t.Errorf("expected exactly the scene/main entry, got %+v", single)
	}
	if single[0].UpdatedBy != userID {
		t.Errorf("expected updatedBy %s, got %s", userID, single[0].UpdatedBy)
	}
}

func TestIsProjectMember(t *testing.T) {
	s, _ := setupTestStore(t)
	projectID, userID := seedProject(t, s)
	_, stranger := seedProject(t, s)

	member, err := s.IsProjectMember(context.Background(), projectID, userID)
	if err != nil {
		t.Fatalf("IsProjectMember failed: %v", err)
	}
	if !member {
		t.Error("expected creator to be a member")
	}

	member, err = s.IsProjectMember(context.Background(), projectID, stranger)
	if err != nil {
		t.Fatalf("IsProjectMember failed: %v", err)
	}
	if member {
		t.Error("expected stranger not to be a member")
	}
}

func TestValidKeyPart(t *testing.T) {
	valid := []string{"scene", "main", "obj-1", "camera_rig"}
	for _, part := range valid {
		if !ValidKeyPart(part) {
			t.Errorf("expected %q to be valid", part)
		}
	}
	invalid := []string{"", "a/b", "a b", "a\tb", "a\nb"}
	for _, part := range invalid {
		if ValidKeyPart(part) {
			t.Errorf("expected %q to be invalid", part)
		}
	}
}
