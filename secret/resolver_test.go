package secret

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubProvider struct {
	name   string
	values map[string]string
	err    error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Resolve(_ context.Context, ref string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.values[ref], nil
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		ref      string
		ok       bool
	}{
		{"secretref:env:JUDGE_API_KEY", "env", "JUDGE_API_KEY", true},
		{"secretref:file:/run/secrets/judge", "file", "/run/secrets/judge", true},
		{"secretref:env:", "", "", false},
		{"secretref::KEY", "", "", false},
		{"Bearer secretref:env:KEY", "", "", false},
		{"secretref:env:A and more", "", "", false},
		{"plain", "", "", false},
	}
	for _, tt := range tests {
		p, r, ok := ParseSecretRef(tt.in)
		if p != tt.provider || r != tt.ref || ok != tt.ok {
			t.Errorf("ParseSecretRef(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.in, p, r, ok, tt.provider, tt.ref, tt.ok)
		}
	}
}

func TestResolver_ResolveValue(t *testing.T) {
	t.Setenv("TOKEN_NAME", "beta")
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"alpha": "one", "beta": "two"}})
	ctx := context.Background()

	tests := []struct {
		in   string
		want string
	}{
		{"secretref:stub:alpha", "one"},
		{"Bearer secretref:stub:beta", "Bearer two"},
		{"secretref:stub:alpha secretref:stub:beta", "one two"},
		{"secretref:stub:${TOKEN_NAME}", "two"},
		{"no refs", "no refs"},
	}
	for _, tt := range tests {
		got, err := r.ResolveValue(ctx, tt.in)
		if err != nil {
			t.Errorf("ResolveValue(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolver_Errors(t *testing.T) {
	errBoom := errors.New("vault sealed")
	r := NewResolver(true,
		&stubProvider{name: "stub", values: map[string]string{"empty": ""}},
		&stubProvider{name: "broken", err: errBoom},
	)
	ctx := context.Background()

	tests := []struct {
		in   string
		want error
	}{
		{"secretref:stub:empty", ErrEmptySecret},
		{"secretref:nope:key", ErrUnknownProvider},
		{"Bearer secretref:broken:key", errBoom},
		{"${UNSET_FOR_SECRET_TEST}", ErrMissingEnv},
	}
	for _, tt := range tests {
		if _, err := r.ResolveValue(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("ResolveValue(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}

	lenient := NewResolver(false, &stubProvider{name: "stub"})
	if got, err := lenient.ResolveValue(ctx, "secretref:stub:empty"); err != nil || got != "" {
		t.Errorf("lenient ResolveValue() = (%q, %v), want empty value", got, err)
	}
}

func TestResolver_ResolveMap(t *testing.T) {
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"alpha": "one"}})

	m, err := r.ResolveMap(context.Background(), map[string]string{"Authorization": "Bearer secretref:stub:alpha"})
	if err != nil {
		t.Fatalf("ResolveMap() error = %v", err)
	}
	if m["Authorization"] != "Bearer one" {
		t.Errorf("ResolveMap()[Authorization] = %q", m["Authorization"])
	}

	_, err = r.ResolveMap(context.Background(), map[string]string{"X-Key": "secretref:stub:missing"})
	if err == nil || !strings.Contains(err.Error(), "X-Key") {
		t.Errorf("ResolveMap() error = %v, want key named", err)
	}

	if m, err := r.ResolveMap(context.Background(), nil); m != nil || err != nil {
		t.Errorf("ResolveMap(nil) = (%v, %v)", m, err)
	}
}
