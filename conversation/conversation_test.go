package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/internal/store"
	"github.com/brainkernel/brain/template"
)

type fakeEnqueuer struct {
	calls []string
}

func (f *fakeEnqueuer) EnqueueJob(jobType string, data map[string]any, priority int, metadata map[string]any) (string, error) {
	f.calls = append(f.calls, jobType)
	return "job-" + jobType, nil
}

func newTestStore(t *testing.T, cfg Config) (*Store, *bus.Bus, *fakeEnqueuer, *clockid.SteppingClock) {
	t.Helper()
	db, err := store.Open(":memory:", Migrations)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.New(nil, func() string { return "m1" })
	jobs := &fakeEnqueuer{}
	clock := &clockid.SteppingClock{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Step: time.Second}
	ids := clockid.NewIDGenerator(clock, nil)
	s := New(db, b, ids, clock, jobs, nil, cfg)
	return s, b, jobs, clock
}

func TestStartConversation_Idempotent(t *testing.T) {
	s, _, _, _ := newTestStore(t, DefaultConfig())

	c1, err := s.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c2, err := s.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same conversation id, got %q and %q", c1.ID, c2.ID)
	}
	if c1.ID != ConversationID("slack", "general") {
		t.Fatalf("unexpected conversation id %q", c1.ID)
	}
}

func TestStartConversation_PublishesEvent(t *testing.T) {
	s, b, _, _ := newTestStore(t, DefaultConfig())

	var got StartEvent
	var count int
	b.Subscribe(bus.TopicConversationStart, func(msg bus.Message) bus.Response {
		count++
		got = msg.Payload.(StartEvent)
		return bus.Response{Success: true}
	}, "")

	if _, err := s.StartConversation("general", "slack"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one start event, got %d", count)
	}
	if got.ChannelID != "general" || got.InterfaceType != "slack" {
		t.Fatalf("unexpected event payload: %+v", got)
	}
}

func TestAddMessage_TriggersSummarizationJobOnceAtThreshold(t *testing.T) {
	cfg := Config{SummarizeEveryMessages: 3, SummarizeEveryDuration: time.Hour}
	s, _, jobs, _ := newTestStore(t, cfg)

	conv, err := s.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AddMessage(conv.ID, RoleUser, "hello", nil); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}
	if len(jobs.calls) != 1 {
		t.Fatalf("expected exactly one enqueued job at threshold, got %d: %v", len(jobs.calls), jobs.calls)
	}
	if jobs.calls[0] != TopicJobType {
		t.Fatalf("unexpected job type %q", jobs.calls[0])
	}

	// Further messages must not re-enqueue while summarization is still
	// marked in flight (debounce).
	if _, err := s.AddMessage(conv.ID, RoleUser, "more", nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if len(jobs.calls) != 1 {
		t.Fatalf("expected debounce to suppress a second enqueue, got %d", len(jobs.calls))
	}
}

func TestAddMessage_TriggersOnElapsedDuration(t *testing.T) {
	cfg := Config{SummarizeEveryMessages: 1000, SummarizeEveryDuration: 1 * time.Second}
	s, _, jobs, _ := newTestStore(t, cfg)

	conv, err := s.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// The stepping clock advances by 1s per Now() call: the conversation
	// starts at the first reading and AddMessage's own reading is 1s later,
	// which meets the 1s duration threshold.
	if _, err := s.AddMessage(conv.ID, RoleUser, "hello", nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if len(jobs.calls) != 1 {
		t.Fatalf("expected duration threshold to trigger a job, got %d", len(jobs.calls))
	}
}

func TestGetMessages_OrderedAndLimited(t *testing.T) {
	s, _, _, _ := newTestStore(t, DefaultConfig())
	conv, err := s.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.AddMessage(conv.ID, RoleUser, "msg", nil); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	all, err := s.GetMessages(conv.ID, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}

	last2, err := s.GetMessages(conv.ID, 2)
	if err != nil {
		t.Fatalf("get messages limited: %v", err)
	}
	if len(last2) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(last2))
	}
	if last2[0].ID != all[3].ID || last2[1].ID != all[4].ID {
		t.Fatalf("expected the two most recent messages in order")
	}
}

// fakeGateway is a deterministic aigateway.Gateway: it returns a fixed
// summary text and an embedding derived from a tag passed via context-free
// closures, letting tests control similarity outcomes precisely.
type fakeGateway struct {
	text      string
	embedding []float32
}

func (f fakeGateway) GenerateObject(ctx context.Context, req aigateway.ObjectRequest) (aigateway.ObjectResponse, error) {
	return aigateway.ObjectResponse{
		Text:   f.text,
		Object: map[string]any{"title": "a topic", "summary": f.text},
	}, nil
}

func (f fakeGateway) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, nil
}

func (f fakeGateway) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.embedding
	}
	return out, nil
}

func newTopicFixture(t *testing.T, gw fakeGateway) (*TopicSummarizer, *Store, *entity.Store) {
	t.Helper()
	convStore, b, jobs, clock := newTestStore(t, Config{SummarizeEveryMessages: 2, SummarizeEveryDuration: time.Hour})

	entDB, err := store.Open(":memory:", entity.Migrations)
	if err != nil {
		t.Fatalf("open entity db: %v", err)
	}
	t.Cleanup(func() { entDB.Close() })

	reg := entity.NewRegistry()
	if err := reg.Register(entity.Type{Name: TopicEntityType, Schema: TopicSchema(), Adapter: TopicAdapter()}); err != nil {
		t.Fatalf("register topic type: %v", err)
	}
	ids := clockid.NewIDGenerator(clock, nil)
	entStore := entity.New(entDB, reg, b, ids, clock, nil, nil)

	tpls := template.NewRegistry()
	if err := tpls.Register(template.Template{PluginID: "kernel", LocalName: "conversation-topic", BasePrompt: "summarize: {{len .messages}} messages", Schema: TopicGenerationSchema()}); err != nil {
		t.Fatalf("register template: %v", err)
	}

	summarizer := &TopicSummarizer{
		Store:     convStore,
		Entities:  entStore,
		Templates: tpls,
		AI:        gw,
		IDs:       ids,
		Clock:     clock,
		Logger:    nil,
	}
	_ = jobs
	return summarizer, convStore, entStore
}

func TestTopicSummarizer_CreatesNewTopicBelowThreshold(t *testing.T) {
	gw := fakeGateway{text: "a summary", embedding: []float32{1, 0, 0}}
	summarizer, convStore, entStore := newTopicFixture(t, gw)

	conv, err := convStore.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := convStore.AddMessage(conv.ID, RoleUser, "hi", map[string]any{"userId": "u1"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	result, err := summarizer.run(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if merged, _ := result["merged"].(bool); merged {
		t.Fatalf("expected a new topic when no existing topic embeddings match")
	}

	topics, err := entStore.ListEntities(TopicEntityType, entity.ListOptions{})
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("expected one topic entity, got %d", len(topics))
	}
}

func TestTopicSummarizer_MergesAboveSimilarityThreshold(t *testing.T) {
	gw := fakeGateway{text: "a summary", embedding: []float32{1, 0, 0}}
	summarizer, convStore, entStore := newTopicFixture(t, gw)

	conv, err := convStore.StartConversation("general", "slack")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := convStore.AddMessage(conv.ID, RoleUser, "hi", map[string]any{"userId": "u1"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	existing, err := entStore.CreateEntity(entity.Entity{
		EntityType: TopicEntityType,
		Content:    "# existing topic\n\n## Summary\n\nprior summary\n\n## Participants\n\n- u1\n",
		Metadata:   map[string]any{"interfaceType": conv.InterfaceType, "channelId": conv.ChannelID},
	}, entity.WriteOptions{SkipEmbeddings: true})
	if err != nil {
		t.Fatalf("seed existing topic: %v", err)
	}
	if err := entStore.UpdateEmbedding(TopicEntityType, existing.ID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("seed embedding: %v", err)
	}

	result, err := summarizer.run(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if merged, _ := result["merged"].(bool); !merged {
		t.Fatalf("expected the identical-embedding topic to be merged into")
	}
	if result["topicId"] != existing.ID {
		t.Fatalf("expected merge to reuse topic id %q, got %v", existing.ID, result["topicId"])
	}

	topics, err := entStore.ListEntities(TopicEntityType, entity.ListOptions{})
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("expected merge to avoid creating a second topic entity, got %d", len(topics))
	}
}
