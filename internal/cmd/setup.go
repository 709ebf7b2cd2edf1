package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccjk-org/ccjk/internal/config"
	"github.com/ccjk-org/ccjk/internal/fileutil"
)

// CmdSetup creates the setup command: write the daemon configuration.
// It runs before any configuration exists, so it does not go through
// NewCommand.
func CmdSetup() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the daemon configuration interactively",
		Long: `Create the daemon configuration file.

Prompts for the mode, mailbox credentials, allowed senders, and cloud
endpoint as needed. The mailbox password is encrypted before it is written.
Every prompt can be pre-answered with a flag for non-interactive use.

Example:
  ccjk setup
  ccjk setup --mode email --imap-host imap.example.com --address bot@example.com
`,
		Args: cobra.NoArgs,
	}

	cmd.Flags().String("home", "", "daemon home directory (default is $HOME/.ccjk)")
	cmd.Flags().String("mode", "", "daemon mode: email, cloud, or hybrid")
	cmd.Flags().String("imap-host", "", "IMAP server host")
	cmd.Flags().Int("imap-port", 993, "IMAP server port")
	cmd.Flags().String("smtp-host", "", "SMTP server host")
	cmd.Flags().Int("smtp-port", 587, "SMTP server port")
	cmd.Flags().String("address", "", "mailbox address (also the result sender)")
	cmd.Flags().String("api-base-url", "", "cloud control service base URL")
	cmd.Flags().String("allowed-senders", "", "comma-separated list of allowed sender addresses")
	cmd.Flags().String("project-path", "", "working directory for executed commands")
	cmd.Flags().String("password", "", "mailbox password (prefer the interactive prompt)")
	cmd.Flags().Bool("force", false, "overwrite an existing configuration")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if err := runSetup(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
			os.Exit(ExitConfig)
		}
		return nil
	}
	return cmd
}

func runSetup(cmd *cobra.Command) error {
	home, _ := cmd.Flags().GetString("home")
	paths := config.ResolvePaths(home)

	force, _ := cmd.Flags().GetBool("force")
	if fileutil.FileExists(paths.ConfigFile) && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", paths.ConfigFile)
	}

	in := bufio.NewReader(os.Stdin)

	modeStr, err := askString(cmd, in, "mode", "Mode (email/cloud/hybrid)", string(config.ModeEmail))
	if err != nil {
		return err
	}
	mode := config.Mode(strings.ToLower(strings.TrimSpace(modeStr)))
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q (want email, cloud, or hybrid)", modeStr)
	}

	cfg := config.Config{
		Mode:                 mode,
		Paths:                paths,
		CheckIntervalSec:     config.DefaultCheckIntervalSec,
		TaskTimeoutSec:       config.DefaultTaskTimeoutSec,
		HeartbeatIntervalSec: config.DefaultHeartbeatIntervalSec,
		MaxConcurrentTasks:   config.DefaultMaxConcurrentTasks,
	}

	if mode.EmailEnabled() || mode.CloudEnabled() {
		// The mailbox address doubles as the cloud account login, so it is
		// collected in every mode.
		cfg.Email.Address, err = askString(cmd, in, "address", "Mailbox address", "")
		if err != nil {
			return err
		}
	}

	if mode.EmailEnabled() {
		if cfg.Email.IMAPHost, err = askString(cmd, in, "imap-host", "IMAP host", ""); err != nil {
			return err
		}
		if cfg.Email.IMAPPort, err = askInt(cmd, in, "imap-port", "IMAP port", 993); err != nil {
			return err
		}
		if cfg.Email.SMTPHost, err = askString(cmd, in, "smtp-host", "SMTP host", ""); err != nil {
			return err
		}
		if cfg.Email.SMTPPort, err = askInt(cmd, in, "smtp-port", "SMTP port", 587); err != nil {
			return err
		}
		senders, err := askString(cmd, in, "allowed-senders", "Allowed senders (comma-separated)", "")
		if err != nil {
			return err
		}
		for _, s := range strings.Split(senders, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.AllowedSenders = append(cfg.AllowedSenders, s)
			}
		}
	}

	if mode.CloudEnabled() {
		if cfg.Cloud.APIBaseURL, err = askString(cmd, in, "api-base-url", "Cloud API base URL", ""); err != nil {
			return err
		}
	}

	if cfg.ProjectPath, err = askString(cmd, in, "project-path", "Project path", defaultProjectPath()); err != nil {
		return err
	}

	password, err := collectPassword(cmd)
	if err != nil {
		return err
	}
	if password != "" {
		material, err := config.LoadOrCreateKey(paths.KeyFile)
		if err != nil {
			return err
		}
		cfg.Email.EncryptedPassword, err = config.EncryptSecret(material, password)
		if err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	printSetupSummary(&cfg)
	return nil
}

// askString answers from the flag when set, otherwise prompts.
func askString(cmd *cobra.Command, in *bufio.Reader, flag, prompt, defaultValue string) (string, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetString(flag)
	}
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", prompt, defaultValue)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

func askInt(cmd *cobra.Command, in *bufio.Reader, flag, prompt string, defaultValue int) (int, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetInt(flag)
	}
	answer, err := askString(cmd, in, flag, prompt, strconv.Itoa(defaultValue))
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(answer)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q for %s", answer, prompt)
	}
	return value, nil
}

// collectPassword takes the password from the flag when set, or prompts
// without echo on an interactive terminal. Non-interactive runs with no flag
// leave the password unset.
func collectPassword(cmd *cobra.Command) (string, error) {
	if cmd.Flags().Changed("password") {
		return cmd.Flags().GetString("password")
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Print("Mailbox password: ")
	secret, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(secret), nil
}

func defaultProjectPath() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return ""
}

func printSetupSummary(cfg *config.Config) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Configuration written")
	tw.AppendRows([]table.Row{
		{"File", cfg.Paths.ConfigFile},
		{"Mode", string(cfg.Mode)},
		{"Project path", cfg.ProjectPath},
	})
	if cfg.Mode.EmailEnabled() {
		tw.AppendRows([]table.Row{
			{"IMAP", fmt.Sprintf("%s:%d", cfg.Email.IMAPHost, cfg.Email.IMAPPort)},
			{"SMTP", fmt.Sprintf("%s:%d", cfg.Email.SMTPHost, cfg.Email.SMTPPort)},
			{"Address", cfg.Email.Address},
			{"Allowed senders", strings.Join(cfg.AllowedSenders, ", ")},
			{"Password", maskSecret(cfg.Email.EncryptedPassword)},
		})
	}
	if cfg.Mode.CloudEnabled() {
		tw.AppendRow(table.Row{"Cloud API", cfg.Cloud.APIBaseURL})
	}
	tw.Render()
	fmt.Println("\nRun \"ccjk start\" to start the daemon.")
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "(encrypted)"
}
