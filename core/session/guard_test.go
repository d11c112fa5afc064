package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/core/session"
	"github.com/trezcool/masomo-portal/core/user"
)

func TestGuard_Decide(t *testing.T) {
	student := &user.Profile{ID: "u1", Role: user.RoleStudent}
	admin := &user.Profile{ID: "u2", Role: user.RoleAdmin}
	adminsOnly := session.Guard{AllowedRoles: []user.Role{user.RoleAdmin}}

	tests := []struct {
		name  string
		guard session.Guard
		snap  session.Snapshot
		want  session.Decision
	}{
		{
			name:  "loading profile",
			guard: adminsOnly,
			snap:  session.Snapshot{IsLoadingProfile: true, HasCredential: true, Profile: student, IsAuthenticated: true},
			want:  session.Decision{Action: session.ActionLoading},
		},
		{
			name:  "anonymous",
			guard: session.Guard{LoginPath: "/signin"},
			snap:  session.Snapshot{ProfileSettled: true},
			want:  session.Decision{Action: session.ActionRedirect, Location: "/signin"},
		},
		{
			name: "orphaned credential",
			snap: session.Snapshot{HasCredential: true, ProfileSettled: true},
			want: session.Decision{Action: session.ActionRedirect, Location: "/auth/login", ClearCredential: true},
		},
		{
			name: "authenticated without profile yet",
			snap: session.Snapshot{HasCredential: true, IsAuthenticated: true, User: &user.Info{ID: "u1"}},
			want: session.Decision{Action: session.ActionLoading},
		},
		{
			name:  "role not allowed",
			guard: adminsOnly,
			snap:  session.Snapshot{HasCredential: true, IsAuthenticated: true, ProfileSettled: true, Profile: student},
			want:  session.Decision{Action: session.ActionRedirect, Location: "/student"},
		},
		{
			name: "coordinator not allowed",
			guard: session.Guard{AllowedRoles: []user.Role{user.RoleStudent}},
			snap: session.Snapshot{
				HasCredential: true, IsAuthenticated: true, ProfileSettled: true,
				Profile: &user.Profile{Role: user.RoleCoordinator},
			},
			want: session.Decision{Action: session.ActionRedirect, Location: "/coordinator"},
		},
		{
			name:  "role allowed",
			guard: adminsOnly,
			snap:  session.Snapshot{HasCredential: true, IsAuthenticated: true, ProfileSettled: true, Profile: admin},
			want:  session.Decision{Action: session.ActionRender},
		},
		{
			name: "any role",
			snap: session.Snapshot{HasCredential: true, IsAuthenticated: true, ProfileSettled: true, Profile: student},
			want: session.Decision{Action: session.ActionRender},
		},
		{
			name: "unverified profile still fetching",
			snap: session.Snapshot{HasCredential: true, Profile: student},
			want: session.Decision{Action: session.ActionLoading},
		},
		{
			name: "profile without role",
			snap: session.Snapshot{
				HasCredential: true, IsAuthenticated: true, ProfileSettled: true,
				Profile: &user.Profile{ID: "u3"},
			},
			want: session.Decision{Action: session.ActionRedirect, Location: "/auth/login", ClearCredential: true},
		},
		{
			name:  "profile with unknown role on a role page",
			guard: session.Guard{AllowedRoles: []user.Role{user.RoleStudent}},
			snap: session.Snapshot{
				HasCredential: true, IsAuthenticated: true, ProfileSettled: true,
				Profile: &user.Profile{ID: "u3", Role: user.Role("teacher")},
			},
			want: session.Decision{Action: session.ActionRedirect, Location: "/auth/login", ClearCredential: true},
		},
		{
			name: "unverified profile never confirmed",
			snap: session.Snapshot{HasCredential: true, ProfileSettled: true, Profile: student},
			want: session.Decision{Action: session.ActionRedirect, Location: "/auth/login"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.guard.Decide(tt.snap))
		})
	}
}

func TestGuard_CheckPurgesOrphanedCredential(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, core.TrustCached)
	require.NoError(t, e.db.Set(ctx, auth.DefaultTokenKey, "tok123"))

	// no fetch on a public path: the credential is never backed by a profile
	e.sess.Hydrate(ctx, "/auth/login")

	d := session.Guard{Grace: 10 * time.Millisecond}.Check(ctx, e.sess)
	assert.Equal(t, session.Decision{Action: session.ActionRedirect, Location: "/auth/login", ClearCredential: true}, d)

	_, ok := e.sess.Token(ctx)
	assert.False(t, ok)
	assert.Zero(t, e.db.Len())
	assert.False(t, e.sess.Snapshot().HasCredential)
}

func TestGuard_CheckPurgesRolelessProfile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, core.TrustCached)
	e.profiles.profile = user.Profile{ID: "u1", Name: "No Role"}

	require.NoError(t, e.sess.Login(ctx, user.Info{ID: "u1"}, "tok123"))
	wait(t, e.sess)

	d := session.Guard{AllowedRoles: []user.Role{user.RoleStudent}, Grace: 10 * time.Millisecond}.Check(ctx, e.sess)
	assert.Equal(t, session.Decision{Action: session.ActionRedirect, Location: "/auth/login", ClearCredential: true}, d)

	_, ok := e.sess.Token(ctx)
	assert.False(t, ok)
	assert.Nil(t, e.sess.Snapshot().Profile)
}

func TestGuard_CheckWaitsForProfile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, core.TrustCached)
	e.profiles.profile = user.Profile{ID: "u1", Role: user.RoleAdmin}
	gate := make(chan struct{})
	e.profiles.gate = gate

	require.NoError(t, e.sess.Login(ctx, user.Info{ID: "u1"}, "tok123"))
	time.AfterFunc(5*time.Millisecond, func() { close(gate) })

	d := session.Guard{AllowedRoles: []user.Role{user.RoleAdmin}, Grace: time.Second}.Check(ctx, e.sess)
	assert.Equal(t, session.Decision{Action: session.ActionRender}, d)
}

func TestGuard_CheckStaysLoading(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, core.TrustCached)
	gate := make(chan struct{})
	e.profiles.gate = gate
	defer close(gate)

	require.NoError(t, e.sess.Login(ctx, user.Info{ID: "u1"}, "tok123"))

	d := session.Guard{Grace: 10 * time.Millisecond}.Check(ctx, e.sess)
	assert.Equal(t, session.Decision{Action: session.ActionLoading}, d)
	_, ok := e.sess.Token(ctx)
	assert.True(t, ok)
}
