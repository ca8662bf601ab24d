package server

import (
	"errors"
	"slices"
	"testing"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		scope string
		want  []string
	}{
		{"", []string{}},
		{"profile", []string{"profile"}},
		{"read write", []string{"read", "write"}},
		{"read,write", []string{"read", "write"}},
		{" read , write  admin,", []string{"read", "write", "admin"}},
		{"read read write", []string{"read", "write"}},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			got := ParseScope(tt.scope)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseScope(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestNormalizeScope(t *testing.T) {
	if got := NormalizeScope("view_gallery,offline_access view_gallery"); got != "view_gallery offline_access" {
		t.Errorf("NormalizeScope() = %q", got)
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		expected  string
		wantErr   bool
	}{
		{name: "no principal scope", principal: "", expected: "admin"},
		{name: "comma list member", principal: "read,write", expected: "write"},
		{name: "comma list non member", principal: "read,write", expected: "admin", wantErr: true},
		{name: "space list member", principal: "profile view_gallery", expected: "view_gallery"},
		{name: "wildcard principal", principal: "*", expected: "admin"},
		{name: "wildcard expected", principal: "read", expected: "*"},
		{name: "prefix is not membership", principal: "view_gallery_all", expected: "view_gallery", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireScope(tt.principal, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RequireScope(%q, %q) error = %v, wantErr %v", tt.principal, tt.expected, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrForbidden) {
				t.Errorf("error should match ErrForbidden, got %v", err)
			}
		})
	}
}

func TestIntersectScopes(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		allowed   []string
		want      []string
	}{
		{"subset", []string{"profile"}, []string{"profile", "view_gallery"}, []string{"profile"}},
		{"narrowed", []string{"profile", "admin"}, []string{"profile"}, []string{"profile"}},
		{"disjoint", []string{"admin"}, []string{"profile"}, []string{}},
		{"wildcard allowed", []string{"admin", "profile"}, []string{"*"}, []string{"admin", "profile"}},
		{"nothing allowed", []string{"profile"}, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IntersectScopes(tt.requested, tt.allowed)
			if !slices.Equal(got, tt.want) {
				t.Errorf("IntersectScopes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrantableScope(t *testing.T) {
	srv, _ := newTestServer(t, &Config{SupportedScopes: []string{"profile", "view_gallery", "offline_access"}})

	granted, dropped := srv.grantableScope("", []string{"profile", "view_gallery"})
	if !slices.Equal(granted, []string{"profile"}) || len(dropped) != 0 {
		t.Errorf("empty request: granted %v dropped %v, want default scope", granted, dropped)
	}

	granted, dropped = srv.grantableScope("view_gallery admin", []string{"*"})
	if !slices.Equal(granted, []string{"view_gallery"}) {
		t.Errorf("granted = %v, want [view_gallery]", granted)
	}
	if !slices.Equal(dropped, []string{"admin"}) {
		t.Errorf("dropped = %v, want [admin]", dropped)
	}
}
