// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
)

// pnStore looks up the phone-number JID for a rotating linked-device
// address from the transport's persisted mapping store. Implemented by
// whatsmeow's device store; tests inject a fake.
type pnStore interface {
	GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error)
}

// IdentityResolver maps rotating @lid sender addresses to stable phone
// addresses. The in-memory cache lives for the session; entries never
// expire. Resolution failure is expected and non-fatal: the raw address is
// returned as a degraded but stable substitute.
type IdentityResolver struct {
	mu    sync.Mutex
	byLID map[string]string
	pns   pnStore
	log   zerolog.Logger
}

func NewIdentityResolver(log zerolog.Logger) *IdentityResolver {
	return &IdentityResolver{
		byLID: make(map[string]string),
		log:   log.With().Str("component", "resolver").Logger(),
	}
}

// SetPNStore attaches the transport's persisted LID mapping store. Called
// whenever a new session is created; safe to pass nil.
func (r *IdentityResolver) SetPNStore(s pnStore) {
	r.mu.Lock()
	r.pns = s
	r.mu.Unlock()
}

// phonePattern extracts the leading digits of a participant-style address
// such as "628123:12@s.whatsapp.net".
var phonePattern = regexp.MustCompile(`^(\d+)(?::\d+)?@`)

// NormalizeAddress converts a stable JID to the webhook address form: phone
// users become <number>@c.us with any device suffix stripped, groups keep
// their @g.us address.
func NormalizeAddress(jid types.JID) string {
	jid = jid.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
		return jid.User + "@c.us"
	default:
		return jid.String()
	}
}

func isStableServer(jid types.JID) bool {
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer, types.GroupServer:
		return true
	default:
		return false
	}
}

// Resolve maps a raw sender address to a stable webhook address. Stable
// addresses are normalized directly without touching the cache; rotating
// addresses go through the layered fallback: cache, the event's verified
// sender (alt), phone-pattern extraction, then the transport's persisted
// mapping store. On failure the raw address is returned unchanged.
func (r *IdentityResolver) Resolve(ctx context.Context, raw, verified types.JID) string {
	if isStableServer(raw) {
		return NormalizeAddress(raw)
	}
	key := raw.ToNonAD().String()

	r.mu.Lock()
	phone, ok := r.byLID[key]
	pns := r.pns
	r.mu.Unlock()
	if ok {
		return phone
	}

	if !verified.IsEmpty() {
		if isStableServer(verified) {
			phone = NormalizeAddress(verified)
			r.learn(key, phone)
			return phone
		}
		if m := phonePattern.FindStringSubmatch(verified.String()); m != nil {
			phone = m[1] + "@c.us"
			r.learn(key, phone)
			return phone
		}
	}

	if pns != nil {
		if pn, err := pns.GetPNForLID(ctx, raw.ToNonAD()); err == nil && !pn.IsEmpty() {
			phone = NormalizeAddress(pn)
			r.learn(key, phone)
			return phone
		}
	}

	r.log.Warn().Str("raw", key).Msg("Could not resolve rotating address, forwarding as-is")
	return key
}

// CanResolve reports whether the sender would resolve without help from the
// event context: either cached already or present in the mapping store.
func (r *IdentityResolver) CanResolve(ctx context.Context, raw types.JID) bool {
	if isStableServer(raw) {
		return true
	}
	key := raw.ToNonAD().String()
	r.mu.Lock()
	_, ok := r.byLID[key]
	pns := r.pns
	r.mu.Unlock()
	if ok {
		return true
	}
	if pns != nil {
		if pn, err := pns.GetPNForLID(ctx, raw.ToNonAD()); err == nil && !pn.IsEmpty() {
			return true
		}
	}
	return false
}

// learnMapping records a lid -> phone mapping. Mappings are learned from
// per-message verified senders inside Resolve; bulk contact mappings live in
// the transport's persisted store behind pnStore, so there is no separate
// sync entry point. Idempotent: re-learning the same pair is a no-op.
func (r *IdentityResolver) learnMapping(lid, phone types.JID) {
	if lid.Server != types.HiddenUserServer || phone.IsEmpty() {
		return
	}
	r.learn(lid.ToNonAD().String(), NormalizeAddress(phone))
}

func (r *IdentityResolver) learn(key, phone string) {
	r.mu.Lock()
	prev, ok := r.byLID[key]
	r.byLID[key] = phone
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Str("lid", key).Str("phone", phone).Msg("Learned address mapping")
	} else if prev != phone {
		r.log.Warn().Str("lid", key).Str("old", prev).Str("new", phone).Msg("Address mapping changed")
	}
}
