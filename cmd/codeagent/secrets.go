package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codeagent/pkg/config"
)

const maxPasswordAttempts = 3

// secretsDir keeps the encrypted secrets file next to the config file.
func (a *app) secretsDir() string {
	return filepath.Dir(a.configPath)
}

// terminalPassword reads a line without echo from the controlling terminal.
func (a *app) terminalPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to read the password from; set %s", config.EnvPassword)
	}
	fmt.Fprint(a.errOut, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(a.errOut)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(b)
	for i := range b {
		b[i] = 0
	}
	return password, nil
}

// openSecrets decrypts the secrets file, returning its contents and the
// password that opened it. A password from the environment gets one try.
func (a *app) openSecrets() (map[string]string, string, error) {
	dir := a.secretsDir()
	if env := os.Getenv(config.EnvPassword); env != "" {
		secrets, err := config.DecryptSecretsFile(dir, env)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decrypt secrets with %s: %w", config.EnvPassword, err)
		}
		return secrets, env, nil
	}

	for attempt := 1; attempt <= maxPasswordAttempts; attempt++ {
		password, err := a.readPassword("Secrets password: ")
		if err != nil {
			return nil, "", err
		}
		secrets, err := config.DecryptSecretsFile(dir, password)
		if err == nil {
			return secrets, password, nil
		}
		if !errors.Is(err, config.ErrWrongPassword) {
			return nil, "", err
		}
		if attempt < maxPasswordAttempts {
			fmt.Fprintln(a.errOut, "❌ Wrong password. Please try again.")
		}
	}
	return nil, "", fmt.Errorf("failed to unlock secrets after %d attempts: %w", maxPasswordAttempts, config.ErrWrongPassword)
}

// unlockSecrets loads credentials into memory when a secrets file exists.
func (a *app) unlockSecrets() error {
	if !config.SecretsFileExists(a.secretsDir()) {
		return nil
	}
	secrets, _, err := a.openSecrets()
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// newPassword asks for a password twice until both entries match.
func (a *app) newPassword() (string, error) {
	if env := os.Getenv(config.EnvPassword); env != "" {
		return env, nil
	}
	for attempt := 1; attempt <= maxPasswordAttempts; attempt++ {
		first, err := a.readPassword("Choose a secrets password: ")
		if err != nil {
			return "", err
		}
		second, err := a.readPassword("Confirm password: ")
		if err != nil {
			return "", err
		}
		if first == second && first != "" {
			fmt.Fprintf(a.errOut, "💡 Set %s to skip this prompt on startup.\n", config.EnvPassword)
			return first, nil
		}
		if attempt < maxPasswordAttempts {
			fmt.Fprintln(a.errOut, "❌ Passwords do not match or are empty. Please try again.")
		}
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxPasswordAttempts)
}

func (a *app) secretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted credentials file",
	}

	set := &cobra.Command{
		Use:   "set NAME",
		Short: "Store a credential such as OPENAI_API_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return errors.New("secret name is required")
			}

			secrets := map[string]string{}
			var password string
			if config.SecretsFileExists(a.secretsDir()) {
				existing, pw, err := a.openSecrets()
				if err != nil {
					return err
				}
				secrets, password = existing, pw
			} else {
				pw, err := a.newPassword()
				if err != nil {
					return err
				}
				password = pw
			}

			value, err := a.readPassword(fmt.Sprintf("Value for %s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value for %s", name)
			}
			secrets[name] = value

			if err := config.EncryptSecretsFile(a.secretsDir(), password, secrets); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", name, config.SecretsPath(a.secretsDir()))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored credential names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.SecretsFileExists(a.secretsDir()) {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets file.")
				return nil
			}
			secrets, _, err := a.openSecrets()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(secrets))
			for name := range secrets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}
