package main

import (
	"context"
	"fmt"
	"io"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/query"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/session"
	apisvc "github.com/trezcool/masomo-portal/services/api"
	filedb "github.com/trezcool/masomo-portal/storage/database/file"
)

// profileWait bounds how long a command waits for the signed-in profile.
const profileWait = 10 * time.Second

var (
	readPasswordFunc = term.ReadPassword // mockable
	stdinFd          = 0

	errHelp        = errors.New("help provided")
	errNotSignedIn = errors.New("not signed in, run `portalctl login` first")
)

type commandLine struct {
	conf       *core.Config
	logger     core.Logger
	db         *filedb.DB
	api        *apisvc.Client
	tokens     *auth.TokenStore
	cache      *query.Cache
	resources  *resource.Client
	session    *session.Session
	validate   *validator.Validate
	translator ut.Translator

	out io.Writer
	in  io.Reader
}

type cliDeps struct {
	Conf       *core.Config
	Logger     core.Logger
	DB         *filedb.DB
	API        *apisvc.Client
	Validate   *validator.Validate
	Translator ut.Translator
	Out        io.Writer
	In         io.Reader
}

// newCommandLine wires the client stack over the state file: the file holds both the
// durable storage and the credential cookie.
func newCommandLine(deps cliDeps) *commandLine {
	conf := deps.Conf
	tokens := auth.NewTokenStore(deps.DB, deps.DB, auth.TokenStoreOptions{
		Key:        conf.Portal.TokenKey,
		LegacyKey:  conf.Portal.LegacyTokenKey,
		CookieName: conf.Portal.CookieName,
		MaxAge:     conf.Portal.CookieMaxAge,
	})
	cache := query.New(query.Options{
		StaleTime: conf.Query.StaleTime,
		GCTime:    conf.Query.GCTime,
		Logger:    deps.Logger,
	})
	api := deps.API.WithTokens(tokens)

	return &commandLine{
		conf:      conf,
		logger:    deps.Logger,
		db:        deps.DB,
		api:       api,
		tokens:    tokens,
		cache:     cache,
		resources: resource.NewClient(api, mutation.NewPipeline(cache, deps.Logger), deps.Validate),
		session: session.New(
			session.Deps{
				Tokens:   tokens,
				Storage:  deps.DB,
				Cache:    cache,
				Profiles: api,
				Logger:   deps.Logger,
			},
			session.Options{
				Trust:       conf.Session.Trust,
				ProfileKey:  conf.Portal.ProfileKey,
				PublicPaths: conf.Portal.PublicPaths,
				LoginPath:   conf.Portal.LoginPath,
			},
		),
		validate:   deps.Validate,
		translator: deps.Translator,
		out:        deps.Out,
		in:         deps.In,
	}
}

func (cli *commandLine) close() {
	cli.session.Close()
	cli.cache.Stop()
}

func (cli *commandLine) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cli.out, format, args...)
}

func (cli *commandLine) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Masomo portal command-line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `portalctl talks to the Masomo REST API the way the portal does.

The credential and the cached profile are kept in a local state file between runs.

Resources:
  users, departments, events, scholarships, notifications, topics, datasets, activity-logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errHelp
		},
	}
	root.SetOut(cli.out)
	root.SetErr(cli.out)
	root.SetIn(cli.in)

	root.AddCommand(
		cli.loginCmd(),
		cli.logoutCmd(),
		cli.whoamiCmd(),
		cli.profileCmd(),
		cli.listCmd(),
		cli.getCmd(),
		cli.createCmd(),
		cli.updateCmd(),
		cli.deleteCmd(),
	)
	return root
}

// run executes args (program name included).
func (cli *commandLine) run(args []string) error {
	root := cli.rootCmd()
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

// signedIn hydrates the session from the state file and waits for the profile.
func (cli *commandLine) signedIn(ctx context.Context) (session.Snapshot, error) {
	if _, ok := cli.tokens.Get(ctx); !ok {
		return session.Snapshot{}, errNotSignedIn
	}
	cli.session.Hydrate(ctx, cli.conf.Portal.LandingPath)

	wctx, cancel := context.WithTimeout(ctx, profileWait)
	defer cancel()
	if err := cli.session.Wait(wctx); err != nil {
		return session.Snapshot{}, errors.Wrap(err, "waiting for the profile")
	}

	snap := cli.session.Snapshot()
	if snap.Profile == nil {
		if _, ok := cli.tokens.Get(ctx); !ok {
			// the API rejected the credential and the session was purged
			return snap, errors.New("session expired, run `portalctl login` again")
		}
		return snap, errors.New("could not load your profile, please try again")
	}
	return snap, nil
}

// apiFailure turns an API error into a message; a rejected credential ends the session.
func (cli *commandLine) apiFailure(ctx context.Context, err error, op string) error {
	if core.IsUnauthorized(err) {
		if pErr := cli.session.Purge(ctx); pErr != nil {
			cli.logger.Warn("purging rejected credential", pErr)
		}
		return errors.New("session expired, run `portalctl login` again")
	}
	if flds := core.FieldErrors(err, cli.translator); len(flds) > 0 {
		return errors.Errorf("%s: invalid fields %s", op, formatFields(flds))
	}
	if errors.Cause(err) == resource.ErrReadOnly {
		return errors.Errorf("%s: the resource is read-only", op)
	}
	if _, ok := core.AsAPIError(err); ok {
		return errors.Errorf("%s: %s", op, mutation.Message(err, "request failed"))
	}
	return errors.Wrap(err, op)
}
