package validator

import (
	"strings"
	"testing"
	"time"
)

type dep struct{}

func TestValidate(t *testing.T) {
	var nilPtr *dep
	var nilMap map[string]int

	tests := []struct {
		name    string
		deps    []any
		wantErr bool
	}{
		{name: "all present", deps: []any{&dep{}, 10, "scope", time.Second}},
		{name: "untyped nil", deps: []any{&dep{}, nil}, wantErr: true},
		{name: "typed nil pointer", deps: []any{nilPtr}, wantErr: true},
		{name: "nil map", deps: []any{nilMap}, wantErr: true},
		{name: "zero int", deps: []any{&dep{}, 0}, wantErr: true},
		{name: "empty string", deps: []any{""}, wantErr: true},
		{name: "no deps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate("component", tt.deps...)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !strings.Contains(err.Error(), "component") {
				t.Fatalf("error should name the component: %v", err)
			}
		})
	}
}
