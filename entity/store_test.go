package entity

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/internal/schema"
	"github.com/brainkernel/brain/internal/store"
)

// simpleNoteAdapter treats the first "# " line as title and the remainder
// as body; both are required non-empty.
type simpleNoteAdapter struct{}

func (simpleNoteAdapter) ToMarkdown(data map[string]any) (string, error) {
	title, _ := data["title"].(string)
	body, _ := data["body"].(string)
	return fmt.Sprintf("# %s\n\n%s", title, body), nil
}

func (simpleNoteAdapter) FromMarkdown(markdown string) (map[string]any, error) {
	lines := strings.SplitN(markdown, "\n\n", 2)
	title := strings.TrimPrefix(strings.TrimSpace(lines[0]), "# ")
	body := ""
	if len(lines) > 1 {
		body = strings.TrimSpace(lines[1])
	}
	data := map[string]any{"title": title, "body": body}
	if title == "" || body == "INVALID" {
		return data, fmt.Errorf("invalid note content")
	}
	return data, nil
}

func (simpleNoteAdapter) ExtractMetadata(map[string]any) map[string]any { return nil }

func noteType() Type {
	return Type{
		Name: "note",
		Schema: schema.Schema{
			Name: "note",
			Fields: []schema.Field{
				{Name: "title", Type: schema.TypeString, Required: true},
				{Name: "body", Type: schema.TypeString, Required: true},
			},
		},
		Adapter: simpleNoteAdapter{},
	}
}

type fakeEnqueuer struct {
	jobs []string
}

func (f *fakeEnqueuer) EnqueueJob(jobType string, data map[string]any, priority int, metadata map[string]any) (string, error) {
	f.jobs = append(f.jobs, jobType)
	return "job-" + jobType, nil
}

func newTestStore(t *testing.T) (*Store, *bus.Bus, *fakeEnqueuer) {
	t.Helper()
	db, err := store.Open(":memory:", Migrations)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := NewRegistry()
	if err := reg.Register(noteType()); err != nil {
		t.Fatalf("register type: %v", err)
	}

	b := bus.New(nil, func() string { return "m1" })
	jobs := &fakeEnqueuer{}
	clock := clockid.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ids := clockid.NewIDGenerator(clock, nil)
	s := New(db, reg, b, ids, clock, jobs, nil)
	return s, b, jobs
}

func TestUpsertEntity_EnqueuesEmbeddingJob(t *testing.T) {
	s, b, jobs := newTestStore(t)

	var events int
	b.Subscribe(bus.TopicEntityUpdated, func(msg bus.Message) bus.Response {
		events++
		return bus.Response{Success: true}
	}, "")
	b.Subscribe(bus.TopicEntityCreated, func(msg bus.Message) bus.Response {
		events++
		return bus.Response{Success: true}
	}, "")

	e, err := s.UpsertEntity(Entity{ID: "n1", EntityType: "note", Content: "# t\n\nb"}, WriteOptions{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if e.Embedding != nil {
		t.Fatal("expected embedding to be nil before the embed job runs")
	}
	if len(jobs.jobs) != 1 || jobs.jobs[0] != "embed-entity" {
		t.Fatalf("expected one embed-entity job, got %v", jobs.jobs)
	}
	if events != 1 {
		t.Fatalf("expected exactly one entity event, got %d", events)
	}

	if err := s.UpdateEmbedding("note", "n1", []float32{0.1, 0.2}); err != nil {
		t.Fatalf("update embedding: %v", err)
	}
	got, err := s.GetEntity("note", "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Embedding) != 2 {
		t.Fatalf("expected embedding to be populated, got %v", got.Embedding)
	}
}

func TestUpsertEntity_Idempotent_SkipsWriteWhenHashUnchanged(t *testing.T) {
	s, b, _ := newTestStore(t)
	var updates int
	b.Subscribe(bus.TopicEntityUpdated, func(msg bus.Message) bus.Response {
		updates++
		return bus.Response{Success: true}
	}, "")

	e := Entity{ID: "n1", EntityType: "note", Content: "# t\n\nb"}
	if _, err := s.UpsertEntity(e, WriteOptions{}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// First call above is a create (entity:created), not counted here.
	if _, err := s.UpsertEntity(e, WriteOptions{}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if updates != 0 {
		t.Fatalf("expected no entity:updated event on an unchanged upsert, got %d", updates)
	}

	e.Content = "# t\n\nnew body"
	if _, err := s.UpsertEntity(e, WriteOptions{}); err != nil {
		t.Fatalf("changed upsert: %v", err)
	}
	if updates != 1 {
		t.Fatalf("expected exactly one entity:updated event after a real change, got %d", updates)
	}
}

func TestUpsertEntities_BatchPartialSuccess(t *testing.T) {
	s, b, _ := newTestStore(t)
	var updated int
	b.Subscribe(bus.TopicEntityCreated, func(msg bus.Message) bus.Response {
		updated++
		return bus.Response{Success: true}
	}, "")

	result := s.UpsertEntities([]Entity{
		{ID: "n2", EntityType: "note", Content: "# valid\n\nvalid markdown body"},
		{ID: "n3", EntityType: "note", Content: "# invalid\n\nINVALID"},
	}, WriteOptions{})

	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", result)
	}
	if result.Failed[0].Index != 1 {
		t.Fatalf("expected failure at index 1, got %d", result.Failed[0].Index)
	}
	failedEntity, ok := result.Failed[0].Input.(Entity)
	if !ok || failedEntity.ID != "n3" {
		t.Fatalf("expected failed input to be n3, got %+v", result.Failed[0].Input)
	}
	if updated != 1 {
		t.Fatalf("expected exactly one entity:created event, got %d", updated)
	}

	if _, err := s.GetEntity("note", "n3"); err == nil {
		t.Fatal("expected n3 to not be persisted")
	}
	if _, err := s.GetEntity("note", "n2"); err != nil {
		t.Fatalf("expected n2 to be persisted: %v", err)
	}
}

func TestCreateEntity_UnregisteredType(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.CreateEntity(Entity{ID: "x", EntityType: "unknown", Content: "whatever"}, WriteOptions{})
	if err == nil {
		t.Fatal("expected error for unregistered entity type")
	}
}

func TestDeleteEntity_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.DeleteEntity("note", "missing"); err == nil {
		t.Fatal("expected not found error")
	}
}
