package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevemurr/rental-store/cache"
	"github.com/stevemurr/rental-store/identity"
	"github.com/stevemurr/rental-store/seed"
	"github.com/stevemurr/rental-store/store"
)

type seedOptions struct {
	Email    string
	Password string
	Name     string
	Listings int
}

func newSeedCommand() *cobra.Command {
	demo := seed.DemoOwner()
	opts := &seedOptions{
		Email:    demo.Email,
		Password: demo.Password,
		Name:     demo.Name,
		Listings: len(demo.Listings),
	}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create an approved owner account with demo listings",
		Long: `Create an owner account, an approved owner application and a set of
listings. Every record is written with a verified write; the run stops at
the first record that cannot be confirmed and keeps what was written.

Example:
  rental-store seed
  rental-store seed --email host@example.com --password s3cret! --listings 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			owner := seed.Owner{Email: opts.Email, Password: opts.Password, Name: opts.Name}
			for i := 0; i < opts.Listings; i++ {
				owner.Listings = append(owner.Listings, demo.Listings[i%len(demo.Listings)])
			}

			approvals := identity.NewApprovals(a.verifier, nil, cache.WithTTL(a.cfg.QueryCacheTTL))
			res, err := seed.New(a.verifier, a.accounts(), approvals, a.logger).SeedOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "owner %s (%s)\n", res.User.Email, res.User.ID)
			fmt.Fprintf(out, "application %s %s\n", res.Application.ID, res.Application.Status)
			for _, l := range res.Listings {
				fmt.Fprintf(out, "listing %s %q %s\n", l.ID, l.Title, l.City)
			}
			for _, r := range res.Repairs {
				fmt.Fprintf(out, "repaired %s/%s\n", r.Collection, r.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", opts.Email, "owner email")
	cmd.Flags().StringVar(&opts.Password, "password", opts.Password, "owner password")
	cmd.Flags().StringVar(&opts.Name, "name", opts.Name, "owner display name")
	cmd.Flags().IntVar(&opts.Listings, "listings", opts.Listings, "number of listings to create")

	return cmd
}

func newIDCommand() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "id <prefix>",
		Short: "Print freshly generated record ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 1 {
				return fmt.Errorf("-n must be at least 1, got %d", n)
			}
			for i := 0; i < n; i++ {
				fmt.Fprintln(cmd.OutOrStdout(), store.GenerateID(args[0]))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "number of ids")
	return cmd
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [collection]",
		Short: "Delete one collection, or every collection under the key prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				if err := a.store.ClearCollection(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
				return nil
			}
			if err := a.store.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared all collections")
			return nil
		},
	}
}
