// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
)

type fakePNStore struct {
	mappings map[string]types.JID
	calls    int
}

func (f *fakePNStore) GetPNForLID(_ context.Context, lid types.JID) (types.JID, error) {
	f.calls++
	if pn, ok := f.mappings[lid.String()]; ok {
		return pn, nil
	}
	return types.EmptyJID, fmt.Errorf("no mapping for %s", lid)
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		jid  types.JID
		want string
	}{
		{"user", types.NewJID("6281234567890", types.DefaultUserServer), "6281234567890@c.us"},
		{"user with device", types.JID{User: "6281234567890", Device: 12, Server: types.DefaultUserServer}, "6281234567890@c.us"},
		{"legacy user", types.NewJID("6281234567890", types.LegacyUserServer), "6281234567890@c.us"},
		{"group", types.NewJID("120363041234567890", types.GroupServer), "120363041234567890@g.us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeAddress(tt.jid); got != tt.want {
				t.Errorf("NormalizeAddress(%s) = %q, want %q", tt.jid, got, tt.want)
			}
		})
	}
}

func TestResolveStableSender(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	got := r.Resolve(context.Background(), types.NewJID("628123", types.DefaultUserServer), types.EmptyJID)
	if got != "628123@c.us" {
		t.Errorf("Resolve(stable) = %q", got)
	}
}

func TestResolveViaVerifiedSender(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	lid := types.NewJID("98765", types.HiddenUserServer)
	verified := types.JID{User: "628123", Device: 3, Server: types.DefaultUserServer}

	got := r.Resolve(context.Background(), lid, verified)
	if got != "628123@c.us" {
		t.Fatalf("Resolve(lid, verified) = %q", got)
	}

	// The mapping is now cached: the next event resolves without help.
	got = r.Resolve(context.Background(), lid, types.EmptyJID)
	if got != "628123@c.us" {
		t.Errorf("cached Resolve = %q", got)
	}
}

func TestResolveViaPNStore(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	lid := types.NewJID("98765", types.HiddenUserServer)
	pns := &fakePNStore{mappings: map[string]types.JID{
		lid.String(): types.NewJID("628999", types.DefaultUserServer),
	}}
	r.SetPNStore(pns)

	got := r.Resolve(context.Background(), lid, types.EmptyJID)
	if got != "628999@c.us" {
		t.Fatalf("Resolve via store = %q", got)
	}
	// Second resolve hits the cache, not the store.
	r.Resolve(context.Background(), lid, types.EmptyJID)
	if pns.calls != 1 {
		t.Errorf("store queried %d times, want 1", pns.calls)
	}
}

func TestResolveFallsBackToRaw(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	lid := types.NewJID("55555", types.HiddenUserServer)
	got := r.Resolve(context.Background(), lid, types.EmptyJID)
	if got != "55555@lid" {
		t.Errorf("unresolvable Resolve = %q, want the raw address", got)
	}
}

func TestCanResolve(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	lid := types.NewJID("98765", types.HiddenUserServer)
	if r.CanResolve(context.Background(), lid) {
		t.Error("unknown lid reported resolvable")
	}
	if !r.CanResolve(context.Background(), types.NewJID("628123", types.DefaultUserServer)) {
		t.Error("stable address reported unresolvable")
	}
	r.learnMapping(lid, types.NewJID("628123", types.DefaultUserServer))
	if !r.CanResolve(context.Background(), lid) {
		t.Error("learned lid reported unresolvable")
	}
}

func TestLearnMappingIgnoresNonLID(t *testing.T) {
	t.Parallel()
	r := NewIdentityResolver(zerolog.Nop())
	phone := types.NewJID("628123", types.DefaultUserServer)
	r.learnMapping(phone, phone)
	if len(r.byLID) != 0 {
		t.Errorf("learnMapping accepted a non-lid key: %v", r.byLID)
	}
	r.learnMapping(types.NewJID("98765", types.HiddenUserServer), types.EmptyJID)
	if len(r.byLID) != 0 {
		t.Errorf("learnMapping accepted an empty phone: %v", r.byLID)
	}
}
