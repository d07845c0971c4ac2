package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/vastctl/internal/api"
	"github.com/szaher/vastctl/internal/display"
	"github.com/szaher/vastctl/internal/filter"
	"github.com/szaher/vastctl/internal/poll"
)

// waitFlags are shared by commands that can block on a status change.
type waitFlags struct {
	wait bool
}

func (w *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&w.wait, "wait", false, "Wait for the instance to reach the new state")
	registerPollFlags(cmd, "wait-timeout")
}

// registerPollFlags adds --interval, --grace and the named timeout flag.
// Their defaults come from the wait target, so only flags the user set
// are applied.
func registerPollFlags(cmd *cobra.Command, timeoutFlag string) {
	cmd.Flags().Duration("interval", 0, "Status check interval while waiting (default per state)")
	cmd.Flags().Duration(timeoutFlag, 0, "Give up waiting after this long (default per state)")
	cmd.Flags().Duration("grace", api.DefaultDestroyGrace, "Treat a missing instance as gone only after this long")
}

// pollConfig returns def with the poll flags the user set applied.
func pollConfig(cmd *cobra.Command, def poll.Config, timeoutFlag string) (poll.Config, error) {
	cfg := def
	for name, field := range map[string]*time.Duration{
		"interval":  &cfg.Interval,
		timeoutFlag: &cfg.Timeout,
		"grace":     &cfg.DestroyGrace,
	} {
		if !cmd.Flags().Changed(name) {
			continue
		}
		d, err := cmd.Flags().GetDuration(name)
		if err != nil {
			return poll.Config{}, err
		}
		if d < 0 {
			return poll.Config{}, fmt.Errorf("--%s must not be negative", name)
		}
		*field = d
	}
	return cfg, nil
}

// awaitInstance waits for instance id to satisfy target. An instance that
// disappears while waiting for a status is an error.
func (a *app) awaitInstance(ctx context.Context, id int64, target poll.Target, cfg poll.Config) (*api.Instance, error) {
	cfg.OnSnapshot = progress(a)
	in, err := a.client.WaitUntil(ctx, id, target, cfg)
	if err != nil {
		return nil, err
	}
	if in == nil && !target.IsGone() {
		return nil, fmt.Errorf("instance %d disappeared while waiting for %s", id, strings.Join(target.Statuses(), " or "))
	}
	return in, nil
}

// progress prints each status change to stderr.
func progress(a *app) func(poll.Snapshot) {
	last := ""
	return func(s poll.Snapshot) {
		line := s.Status
		if s.Message != "" {
			line += ": " + strings.TrimSpace(s.Message)
		}
		if line == last {
			return
		}
		last = line
		fmt.Fprintf(a.errOut, "instance %d: %s\n", s.ID, line)
	}
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show account resources",
	}
	cmd.AddCommand(newShowInstancesCmd())
	cmd.AddCommand(newShowInstanceCmd())
	return cmd
}

func newShowInstancesCmd() *cobra.Command {
	var where string

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List the account's instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f *filter.Filter
			if where != "" {
				var err error
				if f, err = filter.Compile(where); err != nil {
					return err
				}
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			list, err := a.client.ListInstances(a.commandContext(cmd))
			if err != nil {
				return err
			}
			if list, err = filter.Apply(f, list); err != nil {
				return err
			}
			return a.render(list, func(w io.Writer) { display.Instances(w, list) })
		},
	}

	cmd.Flags().StringVar(&where, "where", "", "Client-side filter expression over instance fields")
	return cmd
}

func newShowInstanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instance ID",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			in, found, err := a.client.GetInstance(a.commandContext(cmd), id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("instance %d not found", id)
			}
			return a.render(in, func(w io.Writer) { display.Instances(w, []api.Instance{*in}) })
		},
	}
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create resources",
	}
	cmd.AddCommand(newCreateInstanceCmd())
	cmd.AddCommand(newCreateSSHKeyCmd())
	return cmd
}

func newCreateInstanceCmd() *cobra.Command {
	var (
		opts  api.CreateOptions
		price float64
		wf    waitFlags
	)

	cmd := &cobra.Command{
		Use:   "instance OFFER_ID",
		Short: "Rent an offer as a new instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offerID, err := parseID(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("price") {
				opts.Price = &price
			}
			cfg, err := pollConfig(cmd, api.RunningWait, "wait-timeout")
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()
			ctx := a.commandContext(cmd)

			res, err := a.client.CreateInstance(ctx, offerID, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Created instance %d from offer %d.\n", res.NewContract, offerID)

			if !wf.wait {
				return nil
			}
			in, err := a.awaitInstance(ctx, res.NewContract, poll.Status(api.StateRunning), cfg)
			if err != nil {
				return err
			}
			return a.render(in, func(w io.Writer) { display.Instances(w, []api.Instance{*in}) })
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Image, "image", api.DefaultImage, "Docker image to launch")
	f.Float64Var(&price, "price", 0, "Bid price in $/hour; omit to rent on demand")
	f.Float64Var(&opts.Disk, "disk", api.DefaultDisk, "Local disk size in GB")
	f.StringVar(&opts.Label, "label", "", "Instance label")
	f.StringVar(&opts.OnstartFile, "onstart", "", "File with a script to run on start")
	f.StringVar(&opts.Onstart, "onstart-cmd", "", "Script to run on start")
	f.BoolVar(&opts.Jupyter, "jupyter", false, "Launch a jupyter instance instead of ssh")
	f.StringVar(&opts.JupyterDir, "jupyter-dir", "", "Directory to launch jupyter in")
	f.BoolVar(&opts.JupyterLab, "jupyter-lab", false, "Use jupyter lab")
	f.BoolVar(&opts.LangUTF8, "lang-utf8", false, "Generate and set a C.UTF-8 locale")
	f.BoolVar(&opts.PythonUTF8, "python-utf8", false, "Set python's locale to C.UTF-8")
	f.StringVar(&opts.CreateFrom, "create-from", "", "Existing instance to copy the configuration from")
	f.BoolVar(&opts.Force, "force", false, "Skip sanity checks")
	wf.register(cmd)

	return cmd
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start resources",
	}
	cmd.AddCommand(newStateCmd("running"))
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop resources",
	}
	cmd.AddCommand(newStateCmd("stopped"))
	return cmd
}

// newStateCmd builds "start instance" or "stop instance".
func newStateCmd(state string) *cobra.Command {
	var (
		wf  waitFlags
		all bool
	)
	verb, past := "Start", "Starting"
	if state == api.StateStopped {
		verb, past = "Stop", "Stopping"
	}

	cmd := &cobra.Command{
		Use:   "instance [ID]",
		Short: verb + " an instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && state == api.StateStopped {
				if len(args) > 0 {
					return fmt.Errorf("--all takes no instance id")
				}
			} else if len(args) != 1 {
				return fmt.Errorf("expected an instance id")
			}
			target, def := poll.Status(api.StateRunning), api.RunningWait
			if state == api.StateStopped {
				target, def = poll.AnyOf(api.StoppedStatuses...), api.StoppedWait
			}
			cfg, err := pollConfig(cmd, def, "wait-timeout")
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()
			ctx := a.commandContext(cmd)

			if all {
				if err := a.client.StopAllInstances(ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Stopping all instances.")
				return nil
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if state == api.StateRunning {
				err = a.client.StartInstance(ctx, id)
			} else {
				err = a.client.StopInstance(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s instance %d.\n", past, id)

			if !wf.wait {
				return nil
			}
			in, err := a.awaitInstance(ctx, id, target, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Instance %d is %s.\n", id, in.Status())
			return nil
		},
	}

	wf.register(cmd)
	if state == api.StateStopped {
		cmd.Flags().BoolVar(&all, "all", false, "Stop every instance on the account")
	}
	return cmd
}

func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy resources",
	}
	cmd.AddCommand(newDestroyInstanceCmd())
	return cmd
}

func newDestroyInstanceCmd() *cobra.Command {
	var (
		wf          waitFlags
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "instance ID",
		Short: "Destroy an instance and all data on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := pollConfig(cmd, api.DestroyedWait, "wait-timeout")
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			if !autoApprove {
				fmt.Fprintf(a.errOut, "This will destroy instance %d and all data on it.\n", id)
				fmt.Fprint(a.errOut, "Are you sure? (yes/no): ")
				response, _ := readLine(bufio.NewReader(cmd.InOrStdin()))
				if strings.TrimSpace(response) != "yes" {
					fmt.Fprintln(a.out, "Destroy cancelled.")
					return nil
				}
			}

			ctx := a.commandContext(cmd)
			if err := a.client.DestroyInstance(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Destroying instance %d.\n", id)

			if !wf.wait {
				return nil
			}
			if _, err := a.awaitInstance(ctx, id, poll.Gone(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Instance %d is gone.\n", id)
			return nil
		},
	}

	wf.register(cmd)
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newChangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Change resource settings",
	}
	cmd.AddCommand(newChangeBidCmd())
	return cmd
}

func newChangeBidCmd() *cobra.Command {
	var price float64

	cmd := &cobra.Command{
		Use:   "bid ID --price PRICE",
		Short: "Change the bid price of an interruptible instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if price <= 0 {
				return fmt.Errorf("--price must be positive")
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			if err := a.client.ChangeBid(a.commandContext(cmd), id, price); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Bid of instance %d changed to $%.3f/hr.\n", id, price)
			return nil
		},
	}

	cmd.Flags().Float64Var(&price, "price", 0, "New bid price in $/hour")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newWaitCmd() *cobra.Command {
	var (
		statuses []string
		gone     bool
	)

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait for an instance to reach a status",
		Long: `Wait for an instance to reach one of the given statuses, or with --gone
for it to disappear. Exits non-zero on timeout, when the instance reports
an unrecoverable setup error, or when it disappears while waiting for a
status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if gone && len(statuses) > 0 {
				return fmt.Errorf("--gone and --status are mutually exclusive")
			}

			target := poll.AnyOf(statuses...)
			def := api.RunningWait
			switch {
			case gone:
				target, def = poll.Gone(), api.DestroyedWait
			case len(statuses) == 0:
				target = poll.Status(api.StateRunning)
			}
			cfg, err := pollConfig(cmd, def, "timeout")
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			in, err := a.awaitInstance(a.commandContext(cmd), id, target, cfg)
			if err != nil {
				return err
			}
			if in == nil {
				fmt.Fprintf(a.out, "Instance %d is gone.\n", id)
				return nil
			}
			fmt.Fprintf(a.out, "Instance %d is %s.\n", id, in.Status())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Acceptable statuses (default running)")
	cmd.Flags().BoolVar(&gone, "gone", false, "Wait for the instance to disappear")
	registerPollFlags(cmd, "timeout")
	return cmd
}
