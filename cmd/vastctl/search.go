package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/vastctl/internal/display"
	"github.com/szaher/vastctl/internal/filter"
	"github.com/szaher/vastctl/internal/query"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the marketplace",
	}
	cmd.AddCommand(newSearchOffersCmd())
	return cmd
}

func newSearchOffersCmd() *cobra.Command {
	var (
		order           string
		instanceType    string
		noDefault       bool
		disableBundling bool
		where           string
		limit           int
		showQuery       bool
	)

	cmd := &cobra.Command{
		Use:   "offers [QUERY...]",
		Short: "Search rentable offers",
		Long: `Search rentable offers with a filter expression.

A query is a list of clauses "field op value", op one of = == != < <= > >=.
A bracketed list selects any of several values. Unless --no-default is
given, only verified, rentable, non-external machines are returned.

  vastctl search offers 'num_gpus>=2 gpu_name="RTX 4090" dph<1.2'
  vastctl search offers 'reliability>0.98 geolocation=[US,CA]' --order dph
  vastctl search offers 'num_gpus=8' --where 'dph_total / num_gpus < 0.5'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := query.Params{
				Expression:      strings.Join(args, " "),
				Order:           order,
				Type:            instanceType,
				DisableBundling: disableBundling,
				NoDefaults:      noDefault,
			}
			q, err := query.Build(p)
			if err != nil {
				return err
			}

			var f *filter.Filter
			if where != "" {
				if f, err = filter.Compile(where); err != nil {
					return err
				}
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			if showQuery {
				wire, err := query.Encode(q)
				if err != nil {
					return err
				}
				a.logger.Info("search query", "q", wire)
			}

			offers, err := a.client.SearchOffersQuery(a.commandContext(cmd), q)
			if err != nil {
				return err
			}
			if offers, err = filter.Apply(f, offers); err != nil {
				return err
			}
			if limit > 0 && len(offers) > limit {
				offers = offers[:limit]
			}
			return a.render(offers, func(w io.Writer) { display.Offers(w, offers) })
		},
	}

	cmd.Flags().StringVar(&order, "order", query.DefaultOrder, "Comma separated sort fields; suffix - for descending")
	cmd.Flags().StringVarP(&instanceType, "type", "t", query.TypeOnDemand, "Offer type: on-demand, bid or reserved")
	cmd.Flags().BoolVarP(&noDefault, "no-default", "n", false, "Do not add the default filters")
	cmd.Flags().BoolVar(&disableBundling, "disable-bundling", false, "Show identical offers separately")
	cmd.Flags().StringVar(&where, "where", "", "Client-side filter expression over offer fields")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many offers")
	cmd.Flags().BoolVar(&showQuery, "show-query", false, "Log the query sent to the API")

	return cmd
}
