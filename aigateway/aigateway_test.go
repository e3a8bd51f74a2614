package aigateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/internal/schema"
)

func TestAnthropicGateway_GenerateObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello world"}},
			"usage":   map[string]any{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGateway("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	resp, err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate object: %v", err)
	}
	if resp.Text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", resp.Text)
	}
	if g.Usage().Requests != 1 || g.Usage().InputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", g.Usage())
	}
}

func TestAnthropicGateway_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	g := NewAnthropicGateway("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func greetingSchema() schema.Schema {
	return schema.Schema{
		Name: "greeting",
		Fields: []schema.Field{
			{Name: "text", Type: schema.TypeString, Required: true},
		},
	}
}

func TestAnthropicGateway_GenerateObject_SchemaValidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		system, _ := body["system"].(string)
		if system == "" {
			t.Error("expected schema instructions to populate the system prompt")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "```json\n{\"text\": \"hi there\"}\n```"}},
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGateway("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	s := greetingSchema()
	resp, err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "hi", Schema: &s})
	if err != nil {
		t.Fatalf("generate object: %v", err)
	}
	if resp.Object["text"] != "hi there" {
		t.Fatalf("expected parsed object field %q, got %v", "hi there", resp.Object)
	}
}

func TestAnthropicGateway_GenerateObject_SchemaValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": `{"wrongField": "oops"}`}},
			"usage":   map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGateway("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	s := greetingSchema()
	_, err := g.GenerateObject(context.Background(), ObjectRequest{Prompt: "hi", Schema: &s})
	if !brainerr.Is(err, brainerr.Validation) {
		t.Fatalf("expected a validation error for a response missing a required field, got %v", err)
	}
}

func TestVoyageEmbedder_HashFallback_Deterministic(t *testing.T) {
	e := NewVoyageEmbedder("")
	v1, err := e.GenerateEmbedding(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	v2, err := e.GenerateEmbedding(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v1) != hashEmbeddingDimensions {
		t.Fatalf("expected %d dims, got %d", hashEmbeddingDimensions, len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected deterministic hash embedding, differs at index %d", i)
		}
	}

	v3, err := e.GenerateEmbedding(context.Background(), "completely different text here")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if CosineSimilarity(v1, v3) >= 0.99 {
		t.Fatal("expected distinct texts to have less than near-identical similarity")
	}
}

func TestVoyageEmbedder_RemoteAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		inputs := body["input"].([]any)
		data := make([]map[string]any, len(inputs))
		for i := range inputs {
			data[i] = map[string]any{"embedding": []float32{1, 2, 3}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e := NewVoyageEmbedder("voyage-key", WithVoyageHTTPClient(srv.Client()), WithVoyageBaseURL(srv.URL))
	out, err := e.GenerateEmbeddings(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out) != 2 || len(out[0]) != 3 {
		t.Fatalf("unexpected embeddings: %+v", out)
	}
}

func TestCosineSimilarity_Identical(t *testing.T) {
	v := []float32{1, 2, 3}
	if sim := CosineSimilarity(v, v); sim < 0.999 {
		t.Fatalf("expected ~1.0 similarity for identical vectors, got %f", sim)
	}
}

func TestCompositeGateway_SatisfiesGateway(t *testing.T) {
	var _ Gateway = NewComposite(NewAnthropicGateway("k"), NewVoyageEmbedder(""))
}
