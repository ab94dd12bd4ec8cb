// Package admin authenticates administrator sessions.
//
// Admin routes and admin JSON-RPC methods carry an
// "Authorization: Bearer <session>" header. A Directory resolves the session
// to the administrator acting on the request; the resolved id is what gets
// recorded as reviewer, withdrawer or funder on the affected records.
package admin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mbd888/taintguard/internal/faults"
)

var (
	ErrNoSession      = faults.Unauthorized("admin_session_required", "admin session required")
	ErrInvalidSession = faults.Unauthorized("invalid_admin_session", "invalid or expired admin session")
)

// Admin is a resolved administrator.
type Admin struct {
	ID   string `json:"adminId"`
	Name string `json:"name,omitempty"`
}

// Directory resolves session tokens.
type Directory interface {
	Resolve(ctx context.Context, token string) (*Admin, error)
}

type ctxKey struct{}

// NewContext returns ctx carrying a.
func NewContext(ctx context.Context, a *Admin) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the admin stored by the middleware, if any.
func FromContext(ctx context.Context) (*Admin, bool) {
	a, ok := ctx.Value(ctxKey{}).(*Admin)
	return a, ok && a != nil
}

// Require returns the admin in ctx or ErrNoSession.
func Require(ctx context.Context) (*Admin, error) {
	a, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	return a, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// StaticDirectory holds a fixed set of sessions, keyed by token hash.
type StaticDirectory struct {
	admins map[string]*Admin
}

// ParseStatic builds a directory from "token=adminID,token2=adminID2".
func ParseStatic(raw string) (*StaticDirectory, error) {
	d := &StaticDirectory{admins: make(map[string]*Admin)}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, id, ok := strings.Cut(entry, "=")
		token, id = strings.TrimSpace(token), strings.TrimSpace(id)
		if !ok || token == "" || id == "" {
			return nil, fmt.Errorf("admin token entry %q: want token=adminID", entry)
		}
		if len(token) < 16 {
			return nil, fmt.Errorf("admin token for %s is shorter than 16 characters", id)
		}
		d.admins[hashToken(token)] = &Admin{ID: id}
	}
	return d, nil
}

// Len returns the number of configured sessions.
func (d *StaticDirectory) Len() int { return len(d.admins) }

func (d *StaticDirectory) Resolve(_ context.Context, token string) (*Admin, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	a, ok := d.admins[hashToken(token)]
	if !ok {
		return nil, ErrInvalidSession
	}
	cp := *a
	return &cp, nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
