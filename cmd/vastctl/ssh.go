package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/vastctl/internal/credentials"
	"github.com/szaher/vastctl/internal/sshexec"
)

// instanceEndpoint returns the SSH address of a running instance.
func instanceEndpoint(ctx context.Context, a *app, id int64) (string, int, error) {
	in, found, err := a.client.GetInstance(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if !found {
		return "", 0, fmt.Errorf("instance %d not found", id)
	}
	if in.SSHHost == "" || in.SSHPort == 0 {
		return "", 0, fmt.Errorf("instance %d has no ssh endpoint yet (status %q)", id, in.Status())
	}
	return in.SSHHost, in.SSHPort, nil
}

// privateKey returns keyFile, or the local private key matching the
// public key registered on the account.
func privateKey(ctx context.Context, a *app, keyFile string) (string, error) {
	if keyFile != "" {
		return credentials.ExpandHome(keyFile)
	}
	u, err := a.client.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u.SSHKey) == "" {
		return "", errors.New("no ssh key registered on the account; pass --key")
	}
	dir, err := credentials.ExpandHome(a.cfg.SSHKeyDir)
	if err != nil {
		return "", err
	}
	return sshexec.FindPrivateKey(dir, u.SSHKey)
}

func newSSHURLCmd() *cobra.Command {
	var (
		keyFile      string
		tunnelLocal  int
		tunnelRemote int
	)

	cmd := &cobra.Command{
		Use:   "ssh-url ID",
		Short: "Print the ssh command for an instance",
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
			ctx := a.commandContext(cmd)

			host, port, err := instanceEndpoint(ctx, a, id)
			if err != nil {
				return err
			}
			key, err := privateKey(ctx, a, keyFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, sshexec.ConnectionCommand(host, port, key, tunnelLocal, tunnelRemote))
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyFile, "key", "i", "", "Private key file (default: match the account's key in --ssh-key-dir)")
	cmd.Flags().IntVar(&tunnelLocal, "tunnel-local", 0, "Forward this local port")
	cmd.Flags().IntVar(&tunnelRemote, "tunnel-remote", 0, "Remote port for the tunnel (default: same as local)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		keyFile     string
		knownHosts  []string
		dialTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run ID -- COMMAND...",
		Short: "Run a command on an instance over ssh",
		Long: `Run a command on an instance over ssh and print its output. The exit
status of the remote command becomes the exit status of vastctl.`,
		Args: cobra.MinimumNArgs(2),
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
			ctx := a.commandContext(cmd)

			host, port, err := instanceEndpoint(ctx, a, id)
			if err != nil {
				return err
			}
			key, err := privateKey(ctx, a, keyFile)
			if err != nil {
				return err
			}

			runner := &sshexec.Runner{DialTimeout: dialTimeout, Logger: a.logger}
			if len(knownHosts) > 0 {
				files := make([]string, 0, len(knownHosts))
				for _, f := range knownHosts {
					p, err := credentials.ExpandHome(f)
					if err != nil {
						return err
					}
					files = append(files, p)
				}
				if runner.HostKeyCallback, err = sshexec.KnownHosts(files...); err != nil {
					return err
				}
			}

			res, err := runner.Run(ctx, host, port, key, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, res.Stdout)
			fmt.Fprint(a.errOut, res.Stderr)
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyFile, "key", "i", "", "Private key file (default: match the account's key in --ssh-key-dir)")
	cmd.Flags().StringSliceVar(&knownHosts, "known-hosts", nil, "Verify host keys against these known_hosts files")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 0, "SSH connection timeout (default 30s)")
	return cmd
}

func newCreateSSHKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-key [NAME]",
		Short: "Generate an RSA key pair for instance access",
		Long: `Generate an RSA key pair in --ssh-key-dir. Add the printed public key to
the account before creating instances.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := sshexec.DefaultKeyName
			if len(args) == 1 {
				name = args[0]
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			dir, err := credentials.ExpandHome(a.cfg.SSHKeyDir)
			if err != nil {
				return err
			}
			kp, err := sshexec.GenerateKey(dir, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Private key: %s\n", kp.PrivatePath)
			fmt.Fprintf(a.out, "Public key:  %s\n", kp.PublicPath)
			fmt.Fprintln(a.out, kp.AuthorizedKey)
			return nil
		},
	}
}
