package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jjarchi/dotfiles/internal/account"
	"github.com/jjarchi/dotfiles/internal/config"
	"github.com/jjarchi/dotfiles/internal/pkgmgr"
	"github.com/jjarchi/dotfiles/internal/setup"
	"github.com/jjarchi/dotfiles/internal/systemd"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	userName      string
	dryRun        bool
	purgePackages bool
)

// errUsage is returned when the command line is incomplete; usage has
// already been printed.
var errUsage = errors.New("no command given")

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

// execute runs the root command and maps its outcome to an exit code.
func execute(args []string, stderr io.Writer) int {
	// cobra falls back to os.Args when given nil.
	if args == nil {
		args = []string{}
	}
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "rdp2fa: %s\n", oneLine(err))
		return 1
	}
	return 0
}

// oneLine flattens joined errors into a single diagnostic line.
func oneLine(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}

var rootCmd = &cobra.Command{
	Use:   "rdp2fa",
	Short: "Set up xrdp with an XFCE session and TOTP two-factor login",
	Long: `rdp2fa configures a Debian/Ubuntu host for remote desktop access over RDP
with a lightweight XFCE session and a Google Authenticator second factor.

Every system file is backed up before it is changed, and "rdp2fa undo"
restores the most recent backups recorded by the last install.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = cmd.Usage()
		return errUsage
	},
}

var installCmd = &cobra.Command{
	Use:   "install --user <name>",
	Short: "Install packages and apply the remote desktop configuration",
	Long: `Install installs the xrdp, XFCE and Google Authenticator packages, enables
the xrdp service, adds the two-factor line to the xrdp PAM stack, replaces the
xrdp window manager launcher and writes the user's session file.

The record of what was changed is written to the state directory last, so
"rdp2fa undo" only trusts a completed install.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Roll back the changes recorded by the last install",
	Long: `Undo restores the latest backup of every file the last install changed,
removes files the install created and restarts the xrdp services.

With --purge-packages the installed packages are purged as well.`,
	Args: cobra.NoArgs,
	RunE: runUndo,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded install and available backups",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rdp2fa %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Install command flags
	installCmd.Flags().StringVar(&userName, "user", "", "account that receives the XFCE session file")
	installCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Undo command flags
	undoCmd.Flags().BoolVar(&purgePackages, "purge-packages", false, "also purge the packages installed by install")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		_ = cmd.Usage()
		return err
	})

	// Add commands
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger)
	if _, err := engine.Install(ctx, setup.InstallOptions{User: userName, DryRun: dryRun}); err != nil {
		if errors.Is(err, setup.ErrArgument) {
			_ = cmd.Usage()
			return err
		}
		logger.Error("install failed", "error", err)
		return err
	}
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger)
	if _, err := engine.Undo(ctx, setup.UndoOptions{PurgePackages: purgePackages}); err != nil {
		logger.Error("undo failed", "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	st, err := newEngine(cfg, logger).Status(ctx)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

// newEngine wires the engine to the real host collaborators.
func newEngine(cfg *config.Config, logger *slog.Logger) *setup.Engine {
	return setup.NewEngine(cfg,
		pkgmgr.NewAptClient(cfg.Tools.AptGet),
		systemd.NewClient(cfg.Tools.Systemctl),
		account.System{},
		logger)
}

func printStatus(w io.Writer, st *setup.Status) {
	if st.Installed() {
		fmt.Fprintf(w, "installed: yes\n")
		fmt.Fprintf(w, "  user:          %s\n", st.Record.User)
		fmt.Fprintf(w, "  home:          %s\n", st.Record.Home)
		fmt.Fprintf(w, "  installed at:  %s\n", st.Record.InstalledAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  pam placement: %s\n", st.Record.PAMPlacement)
	} else {
		fmt.Fprintf(w, "installed: no\n")
	}

	fmt.Fprintf(w, "backups:\n")
	for _, p := range st.Paths {
		handles := st.Backups[p]
		note := ""
		if st.Installed() {
			if mf, ok := st.Record.File(p); ok && mf.Created {
				note = " (created by install)"
			}
		}
		if len(handles) == 0 {
			fmt.Fprintf(w, "  %s: none%s\n", p, note)
			continue
		}
		latest := handles[len(handles)-1]
		fmt.Fprintf(w, "  %s: %d, latest %s%s\n", p, len(handles), latest.Stamp, note)
	}

	if len(st.Units) > 0 {
		fmt.Fprintf(w, "services:\n")
		for _, u := range st.Units {
			fmt.Fprintf(w, "  %s: %s\n", u.Unit, u.State)
		}
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// The default file is optional; an explicit one must exist.
	configPath := cfgFile
	optional := false
	if configPath == "" {
		configPath = config.DefaultPath
		optional = true
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath, optional)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"state_dir", cfg.Paths.StateDir,
		"pam_file", cfg.Paths.PAMFile,
		"startwm_file", cfg.Paths.StartWMFile,
		"session_file", cfg.Paths.SessionFile)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
