//go:build integration

package extract

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/tether/internal/engine"
)

func TestExtract_RealOllama(t *testing.T) {
	e := engine.NewOllamaEngine("http://localhost:11434")
	if !e.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !e.HasModel(context.Background(), "llama3.2") {
		t.Skip("llama3.2 model not available, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := NewExtractor(e, "llama3.2").Extract(ctx, "Had coffee with Sam Rivera, he just started at Stripe")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.ContactName == "" {
		t.Error("ContactName is empty")
	}
	t.Logf("result: %+v", res)
}
