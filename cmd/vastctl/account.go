package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/szaher/vastctl/internal/api"
	"github.com/szaher/vastctl/internal/credentials"
)

func newLoginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
		force         bool
		noSave        bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the account's API key",
		Long: `Log in with a username and password and store the returned API key.

The username is read from --username, VAST_USERNAME or a prompt; the password
from VAST_PASSWORD, stdin (--password-stdin) or a prompt. If a key is already
configured it is verified instead, unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()
			ctx := a.commandContext(cmd)

			if a.cred.Key != "" && !force {
				u, err := a.client.CurrentUser(ctx)
				if err != nil {
					return fmt.Errorf("verify api key from %s: %w", a.cred.Source, err)
				}
				fmt.Fprintf(a.out, "Already logged in as %s (key from %s).\n", u.Username, a.cred.Source)
				return nil
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if username == "" {
				username = os.Getenv("VAST_USERNAME")
			}
			if username == "" {
				fmt.Fprint(a.errOut, "Username or email: ")
				if username, err = readLine(in); err != nil {
					return fmt.Errorf("read username: %w", err)
				}
			}

			password, err := readPassword(cmd, in, a.errOut, passwordStdin)
			if err != nil {
				return err
			}

			u, err := a.client.Login(ctx, username, password)
			if err != nil {
				return err
			}
			a.redact.AddSecret(u.APIKey)
			fmt.Fprintf(a.out, "Logged in as %s.\n", u.Username)

			if noSave {
				return nil
			}
			if err := credentials.Save(a.cfg.APIKeyFile, u.APIKey); err != nil {
				return err
			}
			path, _ := credentials.ExpandHome(a.cfg.APIKeyFile)
			fmt.Fprintf(a.out, "Saved API key to %s.\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username or email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().BoolVar(&force, "force", false, "Log in even if an API key is configured")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not store the API key")

	return cmd
}

func readPassword(cmd *cobra.Command, in *bufio.Reader, prompt io.Writer, fromStdin bool) (string, error) {
	if !fromStdin {
		if p, ok := os.LookupEnv("VAST_PASSWORD"); ok {
			return p, nil
		}
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(data), nil
	}
	if !fromStdin {
		fmt.Fprint(prompt, "Password: ")
	}
	p, err := readLine(in)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return p, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account owning the configured API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			u, err := a.client.CurrentUser(a.commandContext(cmd))
			if err != nil {
				return err
			}
			shown := *u
			shown.APIKey = maskKey(shown.APIKey)
			return a.render(shown, func(w io.Writer) { printUser(w, &shown) })
		},
	}
}

func printUser(w io.Writer, u *api.User) {
	fmt.Fprintf(w, "ID:       %d\n", u.ID)
	fmt.Fprintf(w, "Username: %s\n", u.Username)
	if u.Email != "" {
		fmt.Fprintf(w, "Email:    %s\n", u.Email)
	}
	fmt.Fprintf(w, "Credit:   $%.2f\n", u.Credit)
	if u.SSHKey != "" {
		key := u.SSHKey
		if len(key) > 48 {
			key = key[:48] + "..."
		}
		fmt.Fprintf(w, "SSH key:  %s\n", strings.TrimSpace(key))
	}
}

// maskKey keeps the last four characters of a key.
func maskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", 8) + k[len(k)-4:]
}
