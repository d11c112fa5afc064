package main

import (
	"bufio"
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/user"
)

func formatFields(flds map[string]string) string {
	names := make([]string, 0, len(flds))
	for name := range flds {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+flds[name])
	}
	return strings.Join(parts, "; ")
}

// readPassword prompts for the password, or reads one line of stdin when asked to.
func (cli *commandLine) readPassword(fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(cli.in).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.Wrap(err, "reading password from stdin")
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	cli.printf("Enter password:")
	pwd, err := readPasswordFunc(stdinFd)
	cli.printf("\n")
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(pwd), nil
}

func (cli *commandLine) loginCmd() *cobra.Command {
	var email string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in; the password is prompted next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				_ = cmd.Usage()
				return errHelp
			}
			pwd, err := cli.readPassword(passwordStdin)
			if err != nil {
				return err
			}
			if pwd == "" {
				_ = cmd.Usage()
				return errHelp
			}
			return cli.login(cmd.Context(), email, pwd)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "the user's email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func (cli *commandLine) login(ctx context.Context, email, pwd string) error {
	creds := user.Credentials{Email: email, Password: pwd}
	if err := creds.Validate(cli.validate); err != nil {
		if flds := core.FieldErrors(err, cli.translator); len(flds) > 0 {
			return errors.Errorf("invalid credentials: %s", formatFields(flds))
		}
		return err
	}

	res, err := cli.api.Login(ctx, creds)
	if err != nil {
		return errors.Errorf("signing in: %s", mutation.Message(err, err.Error()))
	}
	if err = cli.session.Login(ctx, res.User, res.Credential()); err != nil {
		return errors.Wrap(err, "storing credential")
	}

	snap, err := cli.signedIn(ctx)
	if err != nil {
		return err
	}
	cli.printf("Signed in as %s (%s).\n", snap.Profile.DisplayName(), roleName(snap.Profile.Role))
	return nil
}

func (cli *commandLine) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.session.Logout(cmd.Context()); err != nil {
				return err
			}
			cli.printf("Signed out.\n")
			return nil
		},
	}
}

func roleName(r user.Role) string {
	for _, ri := range user.Roles {
		if ri.Value == r {
			return ri.Name
		}
	}
	return string(r)
}

func (cli *commandLine) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := cli.signedIn(cmd.Context())
			if err != nil {
				return err
			}
			p := snap.Profile
			cli.printf("%s <%s>\n", p.DisplayName(), p.Email)
			cli.printf("role: %s\n", roleName(p.Role))
			if p.Username != "" {
				cli.printf("username: %s\n", p.Username)
			}
			return nil
		},
	}
}

func (cli *commandLine) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage your own profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errHelp
		},
	}

	var name, username, email string
	set := &cobra.Command{
		Use:   "set",
		Short: "Update your name, username or email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pu user.ProfileUpdate
			if cmd.Flags().Changed("name") {
				pu.Name = &name
			}
			if cmd.Flags().Changed("username") {
				pu.Username = &username
			}
			if cmd.Flags().Changed("email") {
				pu.Email = &email
			}
			if pu.IsEmpty() {
				_ = cmd.Usage()
				return errHelp
			}
			return cli.updateProfile(cmd.Context(), pu)
		},
	}
	set.Flags().StringVar(&name, "name", "", "your display name")
	set.Flags().StringVar(&username, "username", "", "your username")
	set.Flags().StringVar(&email, "email", "", "your email")

	cmd.AddCommand(set)
	return cmd
}

func (cli *commandLine) updateProfile(ctx context.Context, pu user.ProfileUpdate) error {
	if err := pu.Validate(cli.validate); err != nil {
		return cli.apiFailure(ctx, err, "updating profile")
	}
	snap, err := cli.signedIn(ctx)
	if err != nil {
		return err
	}

	_, err = cli.resources.Users.Update(ctx, snap.Profile.ID, &user.UpdateUser{
		Name:     pu.Name,
		Username: pu.Username,
		Email:    pu.Email,
	})
	if err != nil {
		return cli.apiFailure(ctx, err, "updating profile")
	}
	p, err := cli.session.UpdateUserProfile(ctx, pu)
	if err != nil {
		return errors.Wrap(err, "saving profile")
	}
	cli.printf("Profile updated: %s <%s>\n", p.DisplayName(), p.Email)
	return nil
}
