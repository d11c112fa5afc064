package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/trezcool/masomo-portal/core/resource"
)

func (cli *commandLine) accessor(name string) (resource.Accessor, error) {
	kind, ok := resource.ParseKind(name)
	if !ok {
		return nil, errors.Errorf("unknown resource %q", name)
	}
	acc, ok := cli.resources.Lookup(kind)
	if !ok {
		return nil, errors.Errorf("unknown resource %q", name)
	}
	return acc, nil
}

func (cli *commandLine) printJSON(v interface{}) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "printing result")
}

// formData builds the form payload from --data (a JSON object) and key=value args; args win.
func formData(data string, pairs []string) (resource.Decoder, error) {
	fields := make(map[string]interface{})
	if data != "" {
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return nil, errors.Wrap(err, "--data must be a JSON object")
		}
	}
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("%q: fields are given as key=value", pair)
		}
		fields[key] = val
	}
	if len(fields) == 0 {
		return nil, errHelp
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding form")
	}
	return resource.JSONDecoder(raw), nil
}

func (cli *commandLine) listCmd() *cobra.Command {
	var params resource.ListParams
	cmd := &cobra.Command{
		Use:   "list RESOURCE",
		Short: "List the records of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acc, err := cli.accessor(args[0])
			if err != nil {
				return err
			}
			if _, err = cli.signedIn(ctx); err != nil {
				return err
			}

			res := acc.List(ctx, params)
			if !res.HasData() {
				return cli.apiFailure(ctx, res.Err, "listing "+args[0])
			}
			page := res.Data
			if err = cli.printJSON(page.Items); err != nil {
				return err
			}
			cli.printf("page %d of %d (%d total)\n", page.Page, page.TotalPages, page.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&params.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&params.Limit, "limit", 10, "records per page")
	cmd.Flags().StringVar(&params.Search, "search", "", "search text")
	cmd.Flags().StringToStringVar(&params.Filters, "filter", nil, "filter as field=value (repeatable)")
	return cmd
}

func (cli *commandLine) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get RESOURCE ID",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acc, err := cli.accessor(args[0])
			if err != nil {
				return err
			}
			if _, err = cli.signedIn(ctx); err != nil {
				return err
			}

			res := acc.Get(ctx, args[1])
			if !res.HasData() {
				return cli.apiFailure(ctx, res.Err, "getting "+args[0]+" "+args[1])
			}
			return cli.printJSON(res.Data)
		},
	}
}

func (cli *commandLine) createCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create RESOURCE [key=value...]",
		Short: "Create a record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decode, err := formData(data, args[1:])
			if err == errHelp {
				_ = cmd.Usage()
			}
			if err != nil {
				return err
			}
			return cli.mutate(cmd.Context(), args[0], "creating", func(ctx context.Context, acc resource.Accessor) (resource.Record, error) {
				return acc.Create(ctx, decode)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "the record as a JSON object")
	return cmd
}

func (cli *commandLine) updateCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update RESOURCE ID [key=value...]",
		Short: "Update a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decode, err := formData(data, args[2:])
			if err == errHelp {
				_ = cmd.Usage()
			}
			if err != nil {
				return err
			}
			return cli.mutate(cmd.Context(), args[0], "updating", func(ctx context.Context, acc resource.Accessor) (resource.Record, error) {
				return acc.Update(ctx, args[1], decode)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "the changed fields as a JSON object")
	return cmd
}

func (cli *commandLine) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete RESOURCE ID",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acc, err := cli.accessor(args[0])
			if err != nil {
				return err
			}
			if _, err = cli.signedIn(ctx); err != nil {
				return err
			}
			if err = acc.Delete(ctx, args[1]); err != nil {
				return cli.apiFailure(ctx, err, "deleting "+args[0]+" "+args[1])
			}
			cli.printf("Deleted %s %s.\n", args[0], args[1])
			return nil
		},
	}
}

func (cli *commandLine) mutate(
	ctx context.Context, name, op string, fn func(context.Context, resource.Accessor) (resource.Record, error),
) error {
	acc, err := cli.accessor(name)
	if err != nil {
		return err
	}
	if _, err = cli.signedIn(ctx); err != nil {
		return err
	}
	rec, err := fn(ctx, acc)
	if err != nil {
		return cli.apiFailure(ctx, err, op+" "+name)
	}
	return cli.printJSON(rec)
}
