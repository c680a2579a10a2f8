package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

func TestPhraseDetectorHardRejection(t *testing.T) {
	d := NewPhraseDetector()
	hits := []string{
		"STOP",
		"please don't call me again",
		"Remove me from your list",
		"wrong number",
		"No me vuelvan a llamar",
		"no me escriban",
		"déjame en paz",
		"bórrame",
		"numero equivocado",
	}
	for _, msg := range hits {
		if !d.IsHardRejection(msg) {
			t.Errorf("expected hard rejection for %q", msg)
		}
	}
	misses := []string{"", "no gracias", "stop by tomorrow?", "call me later", "sí claro"}
	for _, msg := range misses {
		if d.IsHardRejection(msg) {
			t.Errorf("did not expect hard rejection for %q", msg)
		}
	}
}

func TestKeywordClassifier(t *testing.T) {
	cases := map[string]Intent{
		"Sí, claro":                Affirmative,
		"yes please":               Affirmative,
		"me interesa, llámame":     Affirmative,
		"no gracias":               Negative,
		"not interested":           Negative,
		"estoy ocupado":            Negative,
		"No me interesa por ahora": Negative,
		"¿quién es?":               Ambiguous,
		"":                         Ambiguous,
		"yes but no":               Ambiguous,
	}
	k := NewKeywordClassifier()
	for in, want := range cases {
		got, err := k.Classify(context.Background(), in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("Classify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLabel(t *testing.T) {
	got, err := parseLabel("```json\n{\"intent\":\"negative\"}\n```")
	if err != nil || got != Negative {
		t.Fatalf("expected negative, got %q err=%v", got, err)
	}
	got, err = parseLabel("affirmative")
	if err != nil || got != Affirmative {
		t.Fatalf("expected bare label to parse, got %q err=%v", got, err)
	}
	if _, err := parseLabel(`{"intent":"maybe"}`); err == nil {
		t.Fatal("expected error for unknown label")
	}
	if _, err := parseLabel("  "); err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestLLMClassifierSendsPrompt(t *testing.T) {
	var seen llm.Request
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		seen = req
		return llm.Response{Text: `{"intent":"affirmative"}`}, nil
	})
	got, err := NewLLMClassifier(client, "m").Classify(context.Background(), "dale")
	if err != nil || got != Affirmative {
		t.Fatalf("expected affirmative, got %q err=%v", got, err)
	}
	if seen.Model != "m" || len(seen.Messages) != 1 || seen.Messages[0].Content != "dale" {
		t.Fatalf("unexpected request %+v", seen)
	}
}

func TestChainShortCircuitsHardRejection(t *testing.T) {
	called := false
	primary := ClassifierFunc(func(ctx context.Context, text string) (Intent, error) {
		called = true
		return Affirmative, nil
	})
	got, err := NewChain(WithPrimary(primary), WithLogger(logging.Discard())).Classify(context.Background(), "stop")
	if err != nil || got != HardRejection {
		t.Fatalf("expected hard rejection, got %q err=%v", got, err)
	}
	if called {
		t.Fatal("primary classifier should not run for hard rejections")
	}
}

func TestChainFallsBackOnPrimaryError(t *testing.T) {
	primary := ClassifierFunc(func(ctx context.Context, text string) (Intent, error) {
		return "", errors.New("llm down")
	})
	got, err := NewChain(WithPrimary(primary), WithLogger(logging.Discard())).Classify(context.Background(), "no gracias")
	if err != nil || got != Negative {
		t.Fatalf("expected keyword fallback negative, got %q err=%v", got, err)
	}
}

func TestChainFallsBackOnTimeout(t *testing.T) {
	primary := ClassifierFunc(func(ctx context.Context, text string) (Intent, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	chain := NewChain(WithPrimary(primary), WithTimeout(10*time.Millisecond), WithLogger(logging.Discard()))
	got, err := chain.Classify(context.Background(), "sí")
	if err != nil || got != Affirmative {
		t.Fatalf("expected keyword fallback affirmative, got %q err=%v", got, err)
	}
}

func TestChainUsesPrimaryResult(t *testing.T) {
	primary := ClassifierFunc(func(ctx context.Context, text string) (Intent, error) {
		return Ambiguous, nil
	})
	got, _ := NewChain(WithPrimary(primary), WithLogger(logging.Discard())).Classify(context.Background(), "sí")
	if got != Ambiguous {
		t.Fatalf("expected primary label, got %q", got)
	}
}
