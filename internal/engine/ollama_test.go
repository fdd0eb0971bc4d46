package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

// fakeOllama serves the subset of the Ollama API the engine uses and
// records the last chat request body.
type fakeOllama struct {
	models   []string
	lastChat map[string]any
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Name string `json:"name"`
		}
		var resp struct {
			Models []entry `json:"models"`
		}
		for _, n := range f.models {
			resp.Models = append(resp.Models, entry{Name: n})
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastChat)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "Thanks for reaching out."},
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input any `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		n := 1
		if list, ok := req.Input.([]any); ok {
			n = len(list)
		}
		vecs := make([][]float32, n)
		for i := range vecs {
			vecs[i] = []float32{float32(i), 0.5, 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "pulling manifest"})
		enc.Encode(map[string]any{"status": "downloading", "total": 2048, "completed": 1024})
		enc.Encode(map[string]any{"status": "success"})
	})
	return mux
}

func newFakeEngine(t *testing.T, models ...string) (*OllamaEngine, *fakeOllama) {
	t.Helper()
	f := &fakeOllama{models: models}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewOllamaEngine(srv.URL), f
}

func TestOllamaEngine_ChatForwardsSamplingOptions(t *testing.T) {
	e, f := newFakeEngine(t)

	got, err := e.Chat(context.Background(), "mistral-nemo", []Message{
		{Role: "system", Content: "Reply politely."},
		{Role: "user", Content: "Where is my order?"},
	}, &ChatOptions{Temperature: 0.3, MaxTokens: 256})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "Thanks for reaching out." {
		t.Errorf("Chat() = %q", got)
	}

	if f.lastChat["model"] != "mistral-nemo" || f.lastChat["stream"] != false {
		t.Errorf("request = %v", f.lastChat)
	}
	opts, _ := f.lastChat["options"].(map[string]any)
	if opts["temperature"] != 0.3 || opts["num_predict"] != float64(256) {
		t.Errorf("options = %v, want temperature 0.3 and num_predict 256", opts)
	}
	msgs, _ := f.lastChat["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
}

func TestOllamaEngine_ChatWithoutOptions(t *testing.T) {
	e, f := newFakeEngine(t)

	if _, err := e.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := f.lastChat["options"]; ok {
		t.Errorf("options should be omitted, got %v", f.lastChat["options"])
	}
}

func TestOllamaEngine_EmbedAndEmbedMany(t *testing.T) {
	e, _ := newFakeEngine(t)

	vec, err := e.Embed(context.Background(), "nomic-embed-text", "Your refund was issued.")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(vec, []float32{0, 0.5, 1}) {
		t.Errorf("Embed() = %v", vec)
	}

	vecs, err := e.EmbedMany(context.Background(), "nomic-embed-text", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 2 {
		t.Errorf("EmbedMany() = %v", vecs)
	}
}

func TestOllamaEngine_Models(t *testing.T) {
	e, _ := newFakeEngine(t, "mistral-nemo:latest", "nomic-embed-text:v1.5")
	ctx := context.Background()

	if !e.IsRunning(ctx) {
		t.Fatal("IsRunning() = false, want true")
	}
	for _, name := range []string{"mistral-nemo", "nomic-embed-text", "nomic-embed-text:v1.5"} {
		if !e.HasModel(ctx, name) {
			t.Errorf("HasModel(%q) = false, want true", name)
		}
	}
	if e.HasModel(ctx, "llama3") {
		t.Error("HasModel(llama3) = true, want false")
	}
	names, err := e.ListModels(ctx)
	if err != nil || len(names) != 2 {
		t.Errorf("ListModels() = %v, %v", names, err)
	}
}

func TestOllamaEngine_Down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	e := NewOllamaEngine(srv.URL)
	if e.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
	if e.HasModel(context.Background(), "mistral-nemo") {
		t.Error("HasModel() = true on a stopped server")
	}
}

func TestOllamaEngine_PullModelMapsProgress(t *testing.T) {
	e, _ := newFakeEngine(t)

	var got []PullProgress
	err := e.PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("received %d progress updates, want 3", len(got))
	}
	if got[1] != (PullProgress{Status: "downloading", Total: 2048, Completed: 1024}) {
		t.Errorf("progress[1] = %+v", got[1])
	}
	if got[2].Status != "success" {
		t.Errorf("last status = %q, want success", got[2].Status)
	}

	if err := e.PullModel(context.Background(), "nomic-embed-text", nil); err != nil {
		t.Errorf("PullModel with nil callback: %v", err)
	}
}
