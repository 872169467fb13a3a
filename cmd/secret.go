package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/penf-recorder/credentials"
)

// SecretCommandDeps holds the dependencies for secret commands.
type SecretCommandDeps struct {
	Store credentials.Store
	// ReadSecret prompts for a value without echoing it.
	ReadSecret func(prompt string, in io.Reader, out io.Writer) (string, error)
}

// DefaultSecretDeps returns the default dependencies for production use.
func DefaultSecretDeps() *SecretCommandDeps {
	return &SecretCommandDeps{
		Store:      credentials.DefaultStore(),
		ReadSecret: readSecret,
	}
}

// readSecret reads without echo from a terminal, or one line from in
// otherwise so values can be piped.
func readSecret(prompt string, in io.Reader, out io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// NewSecretCommand creates the secret command with its subcommands.
func NewSecretCommand(deps *SecretCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultSecretDeps()
	}

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage store passwords in the system keyring",
		Long: `Manage the passwords the recorder uses for its stores.

Secrets are kept in the system keyring under the "penf-recorder" service.
An environment variable PENF_RECORDER_SECRET_<NAME> overrides the keyring,
e.g. PENF_RECORDER_SECRET_DATABASE_PASSWORD.

Set password_from_keyring in a store's configuration section to use them.

Known secrets: ` + strings.Join(credentials.KnownSecrets(), ", "),
		Aliases: []string{"secrets"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "set <name>",
		Short:   "Store a secret, reading the value from the terminal or stdin",
		Example: `  penf-recorder secret set database-password`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretSet(deps, cmd.InOrStdin(), cmd.OutOrStdout(), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.ValidateName(args[0]); err != nil {
				return err
			}
			if err := deps.Store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show which known secrets are set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretList(deps, cmd.OutOrStdout())
		},
	})

	return cmd
}

func runSecretSet(deps *SecretCommandDeps, in io.Reader, out io.Writer, name string) error {
	if err := credentials.ValidateName(name); err != nil {
		return err
	}
	value, err := deps.ReadSecret(fmt.Sprintf("Value for %s: ", name), in, out)
	if err != nil {
		return err
	}
	if value == "" {
		return errors.New("secret value is empty")
	}
	if err := deps.Store.Set(name, value); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored %s in %s.\n", name, deps.Store.Description())
	return nil
}

func runSecretList(deps *SecretCommandDeps, out io.Writer) error {
	fmt.Fprintf(out, "Store: %s\n\n", deps.Store.Description())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVALUE\tENV OVERRIDE")
	for _, name := range credentials.KnownSecrets() {
		value, err := deps.Store.Get(name)
		switch {
		case errors.Is(err, credentials.ErrSecretNotFound):
			value = "(not set)"
		case err != nil:
			value = "(" + err.Error() + ")"
		default:
			value = credentials.MaskSecret(value)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, value, credentials.EnvVar(name))
	}
	return w.Flush()
}
