package session

import (
	"context"
	"time"

	"github.com/trezcool/masomo-portal/core/user"
)

// DefaultGuardGrace is how long the guard lets an in-flight profile fetch settle before concluding.
const DefaultGuardGrace = 100 * time.Millisecond

type Action int

const (
	ActionRender Action = iota
	ActionLoading
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionLoading:
		return "loading"
	case ActionRedirect:
		return "redirect"
	default:
		return "render"
	}
}

// Decision is the outcome of a guard check.
type Decision struct {
	Action   Action
	Location string
	// ClearCredential is set when the stored credential never yielded a usable profile.
	ClearCredential bool
}

func render() Decision  { return Decision{Action: ActionRender} }
func loading() Decision { return Decision{Action: ActionLoading} }
func redirect(to string) Decision {
	return Decision{Action: ActionRedirect, Location: to}
}

// Guard gates a protected page on the session state and an optional role allow-list.
type Guard struct {
	LoginPath    string
	AllowedRoles []user.Role
	Grace        time.Duration
}

func (g Guard) loginPath() string {
	if g.LoginPath == "" {
		return DefaultLoginPath
	}
	return g.LoginPath
}

// Decide maps a session snapshot to a decision. It never waits.
func (g Guard) Decide(snap Snapshot) Decision {
	switch {
	case snap.IsLoadingProfile:
		return loading()
	case !snap.HasCredential && snap.Profile == nil:
		return redirect(g.loginPath())
	case snap.HasCredential && snap.Profile == nil && snap.ProfileSettled:
		d := redirect(g.loginPath())
		d.ClearCredential = true
		return d
	case snap.Profile == nil:
		return loading()
	case !snap.IsAuthenticated:
		if !snap.ProfileSettled {
			return loading()
		}
		return redirect(g.loginPath())
	case !snap.Profile.Role.Valid():
		// no landing page to send it to
		d := redirect(g.loginPath())
		d.ClearCredential = true
		return d
	}

	if len(g.AllowedRoles) > 0 && !snap.Profile.Role.In(g.AllowedRoles...) {
		return redirect(snap.Profile.Role.LandingPath())
	}
	return render()
}

// Check decides for the current state of sess. Before giving up on a credential without profile,
// or while loading, it lets an in-flight fetch settle for up to one Grace tick.
// An orphaned credential is purged.
func (g Guard) Check(ctx context.Context, sess *Session) Decision {
	d := g.Decide(sess.Snapshot())
	if d.Action == ActionRender || (d.Action == ActionRedirect && !d.ClearCredential) {
		return d
	}

	grace := g.Grace
	if grace <= 0 {
		grace = DefaultGuardGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if d.ClearCredential {
		// one full tick: a fetch may start right after the credential appeared
		select {
		case <-timer.C:
		case <-ctx.Done():
			return loading()
		}
		waitCtx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	_ = sess.Wait(waitCtx)

	d = g.Decide(sess.Snapshot())
	if d.ClearCredential {
		if err := sess.Purge(ctx); err != nil {
			sess.warn("purging orphaned credential", err)
		}
	}
	return d
}
