package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/internal/schema"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/queue"
	"github.com/brainkernel/brain/template"
)

// TopicEntityType is the entity type topics are stored under; topics are
// ordinary entities in the Entity DB.
const TopicEntityType = "topic"

// TopicJobType is the queue job type the auto-summarization threshold
// enqueues.
const TopicJobType = "conversation-topic"

// DefaultTopicTemplateID is the namespaced template the kernel registers
// for topic generation if the caller doesn't supply its own.
const DefaultTopicTemplateID = "kernel:conversation-topic"

// topicSimilarityThreshold is the merge-vs-new-topic cosine similarity cutoff.
const topicSimilarityThreshold = 0.7

// DefaultWindowSize and DefaultWindowOverlap are the sliding-window
// parameters the summarization job groups messages by.
const (
	DefaultWindowSize    = 20
	DefaultWindowOverlap = 0.25
)

// TopicSchema is the structural schema registered for TopicEntityType.
func TopicSchema() schema.Schema {
	return schema.Schema{
		Name: "topic",
		Fields: []schema.Field{
			{Name: "title", Type: schema.TypeString, Required: true},
			{Name: "summary", Type: schema.TypeString, Required: true},
			{Name: "participants", Type: schema.TypeArray, Items: &schema.Field{Type: schema.TypeString}},
			{Name: "interfaceType", Type: schema.TypeString},
			{Name: "channelId", Type: schema.TypeString},
		},
	}
}

// TopicGenerationSchema is the narrower schema the AI gateway is asked to
// fill in for a single summarization call — just the two fields a model
// generates; participants/interfaceType/channelId are kernel-computed and
// merged in afterward, not asked of the model.
func TopicGenerationSchema() schema.Schema {
	return schema.Schema{
		Name: "topic-generation",
		Fields: []schema.Field{
			{Name: "title", Type: schema.TypeString, Required: true},
			{Name: "summary", Type: schema.TypeString, Required: true},
		},
	}
}

// DefaultTopicPrompt is the base prompt the kernel registers DefaultTopicTemplateID
// with, if the caller doesn't register its own.
const DefaultTopicPrompt = `You are summarizing a conversation window for an interface of type {{.interfaceType}} on channel {{.channelId}}.

Messages:
{{range .messages}}{{.Role}}: {{.Content}}
{{end}}
Produce a short, descriptive title and a concise summary covering what was discussed.`

func topicFormatter() entity.Formatter {
	return entity.Formatter{
		Schema:     TopicSchema(),
		TitleField: "title",
		Mappings: []entity.FieldMapping{
			{Key: "summary", Label: "Summary", Type: schema.TypeString},
			{Key: "participants", Label: "Participants", Type: schema.TypeArray},
		},
	}
}

// topicAdapter is the entity.Adapter for TopicEntityType, built on top of
// the reusable entity.Formatter structured-content kernel: interfaceType/
// channelId travel as frontmatter (kernel-managed routing context),
// title/summary/participants as the Markdown body.
type topicAdapter struct {
	formatter entity.Formatter
}

// TopicAdapter returns the entity.Adapter kernel wiring registers for
// TopicEntityType.
func TopicAdapter() entity.Adapter { return topicAdapter{formatter: topicFormatter()} }

func (a topicAdapter) ToMarkdown(data map[string]any) (string, error) {
	fm := map[string]any{}
	if v, ok := data["interfaceType"]; ok {
		fm["interfaceType"] = v
	}
	if v, ok := data["channelId"]; ok {
		fm["channelId"] = v
	}
	return a.formatter.Format(fm, data)
}

func (a topicAdapter) FromMarkdown(markdown string) (map[string]any, error) {
	res := a.formatter.Parse(markdown)
	data := res.Data
	if data == nil {
		data = map[string]any{}
	}
	for k, v := range res.Frontmatter {
		data[k] = v
	}
	if res.ValidationStatus == "invalid" {
		return data, fmt.Errorf("topic markdown invalid: %s", strings.Join(res.ValidationErrors, "; "))
	}
	return data, nil
}

func (a topicAdapter) ExtractMetadata(data map[string]any) map[string]any { return nil }

// TopicSummarizer groups a window of conversation messages, generates a
// topic summary via the template registry + AI gateway, and merges it into
// an existing topic entity when cosine similarity of embeddings is >= 0.7,
// otherwise creates a new one. Similarity is computed with
// aigateway.CosineSimilarity against embeddings fetched through the
// abstract Gateway.
type TopicSummarizer struct {
	Store      *Store
	Entities   *entity.Store
	Templates  *template.Registry
	AI         aigateway.Gateway
	IDs        *clockid.IDGenerator
	Clock      clockid.Clock
	Logger     *logging.Logger
	TemplateID string
}

// Handler adapts TopicSummarizer into a queue.Handler for TopicJobType.
func (s *TopicSummarizer) Handler() queue.Handler {
	return func(job queue.Job, progress queue.ProgressReporter) (any, error) {
		conversationID, _ := job.Data["conversationId"].(string)
		if conversationID == "" {
			return nil, brainerr.New(brainerr.Validation, "conversation-topic job missing conversationId", nil)
		}
		if progress.IsCancelled() {
			return nil, brainerr.New(brainerr.Cancelled, "cancelled before summarization started", map[string]any{"conversationId": conversationID})
		}
		return s.run(context.Background(), conversationID)
	}
}

func (s *TopicSummarizer) run(ctx context.Context, conversationID string) (map[string]any, error) {
	conv, err := s.Store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	t, err := s.Store.getTracking(conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.Store.GetMessages(conversationID, 0)
	if err != nil {
		return nil, err
	}

	windowStart := t.LastSummaryMessageSeq - int(float64(DefaultWindowSize)*DefaultWindowOverlap)
	if windowStart < 0 {
		windowStart = 0
	}
	if windowStart > len(messages) {
		windowStart = len(messages)
	}
	window := messages[windowStart:]
	if len(window) == 0 {
		return map[string]any{"skipped": "no new messages"}, nil
	}

	templateID := s.TemplateID
	if templateID == "" {
		templateID = DefaultTopicTemplateID
	}

	genResult, err := template.GenerateContent(ctx, s.AI, s.Templates, templateID, map[string]any{
		"interfaceType": conv.InterfaceType,
		"channelId":     conv.ChannelID,
		"messages":      window,
	}, template.GenerateOptions{})
	if err != nil {
		return nil, brainerr.Wrap(brainerr.Handler, "topic summarization failed", err, map[string]any{"conversationId": conversationID})
	}

	generatedTitle, _ := genResult.Object["title"].(string)
	summaryText, _ := genResult.Object["summary"].(string)
	if summaryText == "" {
		return nil, brainerr.New(brainerr.Handler, "topic summarization returned an empty summary", map[string]any{"conversationId": conversationID})
	}

	embedding, err := s.AI.GenerateEmbedding(ctx, summaryText)
	if err != nil {
		return nil, brainerr.Wrap(brainerr.Gateway, "topic embedding failed", err, map[string]any{"conversationId": conversationID})
	}

	existing, err := s.Entities.ListEntities(TopicEntityType, entity.ListOptions{
		Filter: func(e entity.Entity) bool {
			return e.Metadata["channelId"] == conv.ChannelID && e.Metadata["interfaceType"] == conv.InterfaceType
		},
	})
	if err != nil {
		return nil, err
	}

	var best entity.Entity
	bestSim := -1.0
	for _, e := range existing {
		if len(e.Embedding) == 0 {
			continue
		}
		if sim := aigateway.CosineSimilarity(e.Embedding, embedding); sim > bestSim {
			bestSim, best = sim, e
		}
	}

	adapter := TopicAdapter()
	participants := participantsOf(window)
	merge := bestSim >= topicSimilarityThreshold

	var resultEntity entity.Entity
	if merge {
		priorSummary := best.Content
		if prior, err := adapter.FromMarkdown(best.Content); err == nil {
			if text, ok := prior["summary"].(string); ok && text != "" {
				priorSummary = text
			}
		}
		data := map[string]any{
			"title":         titleOf(adapter, best),
			"summary":       priorSummary + "\n\n" + summaryText,
			"participants":  participants,
			"interfaceType": conv.InterfaceType,
			"channelId":     conv.ChannelID,
		}
		content, err := adapter.ToMarkdown(data)
		if err != nil {
			return nil, fmt.Errorf("render merged topic markdown: %w", err)
		}
		resultEntity, err = s.Entities.UpsertEntity(entity.Entity{
			ID:         best.ID,
			EntityType: TopicEntityType,
			Content:    content,
			Metadata:   map[string]any{"interfaceType": conv.InterfaceType, "channelId": conv.ChannelID},
		}, entity.WriteOptions{Force: true})
		if err != nil {
			return nil, err
		}
	} else {
		title := generatedTitle
		if title == "" {
			title = fmt.Sprintf("%s topic", conv.ChannelID)
		}
		data := map[string]any{
			"title":         title,
			"summary":       summaryText,
			"participants":  participants,
			"interfaceType": conv.InterfaceType,
			"channelId":     conv.ChannelID,
		}
		content, err := adapter.ToMarkdown(data)
		if err != nil {
			return nil, fmt.Errorf("render topic markdown: %w", err)
		}
		resultEntity, err = s.Entities.CreateEntity(entity.Entity{
			ID:         s.IDs.NewID(),
			EntityType: TopicEntityType,
			Content:    content,
			Metadata:   map[string]any{"interfaceType": conv.InterfaceType, "channelId": conv.ChannelID},
		}, entity.WriteOptions{})
		if err != nil {
			return nil, err
		}
	}

	if err := s.Store.markSummarized(conversationID, len(messages), s.Clock.Now()); err != nil {
		s.Logger.Warn("failed to update summary tracking", "conversationId", conversationID, "error", err)
	}

	return map[string]any{"topicId": resultEntity.ID, "merged": merge}, nil
}

func participantsOf(messages []ChatMessage) []any {
	seen := map[string]bool{}
	var out []any
	for _, m := range messages {
		userID, _ := m.Metadata["userId"].(string)
		if userID != "" && !seen[userID] {
			seen[userID] = true
			out = append(out, userID)
		}
	}
	return out
}

func titleOf(adapter entity.Adapter, e entity.Entity) string {
	data, err := adapter.FromMarkdown(e.Content)
	if err != nil {
		return e.ID
	}
	if title, ok := data["title"].(string); ok && title != "" {
		return title
	}
	return e.ID
}
