package engines

import (
	"errors"
	"testing"

	"agent_foundry/internal/domain"
)

func TestBuiltinRegistry(t *testing.T) {
	r := NewRegistry(Builtin()...)
	if !r.Has(WebGrounding) {
		t.Fatalf("web grounding engine missing")
	}
	callable := r.Callable()
	if len(callable) != 6 {
		t.Fatalf("callable=%d want=6", len(callable))
	}
	for _, e := range callable {
		if e.Tool == nil || e.Tool.Name == "" {
			t.Fatalf("callable engine %s has no tool contract", e.ID)
		}
	}
	if e, _ := r.Get(Sentiment); e.Callable() {
		t.Fatalf("sentiment engine should be descriptor only")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(Builtin()...)
	err := r.Register(domain.FeatureEngine{ID: WebGrounding})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err=%v want ErrValidation", err)
	}
	if err := r.Register(domain.FeatureEngine{ID: "translation", Name: "Translation"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(r.List()) != len(Builtin())+1 {
		t.Fatalf("list len=%d", len(r.List()))
	}
}
