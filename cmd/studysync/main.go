package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"studysync/internal/app"
	"studysync/internal/config"
	"studysync/internal/encryption"
	"studysync/internal/replica"
)

func main() {
	if err := app.LoadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// configPath returns the --config flag, or the default config location.
func configPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", fmt.Errorf("getting defaults: %w", err)
	}
	return defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var opts app.Options
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Stderr = os.Stderr
		opts.TraceOutput = os.Stderr
	}

	a, err := app.New(cmd.Context(), cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// unlock asks for the passphrase when snapshots are encrypted.
func unlock(a *app.App) error {
	if !a.EncryptionEnabled() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ", false)
	if err != nil {
		return err
	}
	return a.Unlock(passphrase)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printConflict(c *replica.ConflictRecord) {
	fmt.Println("Conflict: the remote and local data have diverged.")
	fmt.Printf("  Remote: modified %s, %d bytes\n", formatTime(c.Cloud.ModifiedTime), c.Cloud.Size)
	fmt.Printf("  Local:  last synced %s, %d bytes\n", formatTime(c.Local.ModifiedTime), c.Local.Size)
	fmt.Println("Run `studysync resolve local` or `studysync resolve remote`.")
}

var rootCmd = &cobra.Command{
	Use:          "studysync",
	Short:        "Local-first study data sync",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		encrypt, _ := cmd.Flags().GetBool("encrypt")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		path, err := configPath(cmd)
		if err != nil {
			return err
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		cfg.Encryption.Enabled = encrypt

		if err := config.Init(path, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)

		if !encrypt {
			return nil
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("New passphrase: ", true)
		if err != nil {
			return err
		}
		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		fmt.Printf("Encryption keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.ReadFromFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Device ID:  %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		fmt.Printf("Cloud:      %s\n", cfg.Cloud.Type)
		fmt.Printf("Encryption: %v\n", cfg.Encryption.Enabled)
		fmt.Printf("Debounce:   %s\n", cfg.Sync.Debounce)
		fmt.Printf("Server:     %s\n", cfg.Server.Addr)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show last sync and remote snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		last, _, err := a.LastSync()
		if err != nil {
			return fmt.Errorf("reading last sync: %w", err)
		}
		fmt.Printf("Last sync: %s\n", formatTime(last))

		meta, err := a.RemoteSnapshot(cmd.Context())
		switch {
		case err != nil:
			fmt.Printf("Remote:    unavailable (%v)\n", err)
		case meta == nil:
			fmt.Println("Remote:    no snapshot")
		default:
			fmt.Printf("Remote:    modified %s, %d bytes\n", formatTime(meta.ModifiedTime), meta.Size)
		}
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare local and remote state, backing up when safe",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("check failed: %w", err)
		}
		if status == replica.StatusConflict {
			printConflict(a.Orchestrator().Conflict())
			return nil
		}
		fmt.Printf("Status: %s\n", status)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload the local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backed up: %d material(s) uploaded, %d failed\n", res.Uploaded, res.ErrorCount)
		if res.ErrorCount > 0 {
			return fmt.Errorf("%d material upload(s) failed", res.ErrorCount)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local data with the remote snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		if err := a.Restore(cmd.Context()); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Println("Restored local data from the remote snapshot.")
		return nil
	},
}

// resolve command
var resolveCmd = &cobra.Command{
	Use:       "resolve local|remote",
	Short:     "Resolve a sync conflict",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(replica.ChoiceLocal), string(replica.ChoiceRemote)},
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, err := replica.ParseChoice(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if choice == replica.ChoiceRemote {
			if err := unlock(a); err != nil {
				return err
			}
		}
		if err := a.Resolve(cmd.Context(), choice); err != nil {
			if errors.Is(err, app.ErrNoConflict) {
				fmt.Println("No conflict to resolve.")
				return nil
			}
			return fmt.Errorf("resolve failed: %w", err)
		}
		fmt.Printf("Conflict resolved with the %s data.\n", choice)
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download material content imported without it",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Fetch(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		fmt.Printf("Downloaded %d, failed %d, skipped %d\n", res.Downloaded, res.ErrorCount, res.Skipped)
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the local data as a snapshot document",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		return a.Export(cmd.Context(), w, full)
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the local data with a snapshot document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}
		if err := a.Import(cmd.Context(), r); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Println("Imported. Run `studysync backup` to upload the new data.")
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No sync operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-12s  %-8s  %s\n",
				op.ID,
				op.Kind,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Message,
			)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon with its local HTTP status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.Config().Server.Addr = addr
		}
		fmt.Printf("Serving on http://%s/api/status\n", a.Config().Server.Addr)
		return a.Run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (default $"+app.EnvConfigPath+" or ~/.config/studysync.toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Mirror log output and traces to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().Bool("encrypt", false, "Encrypt remote snapshots and generate a key pair")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().Bool("full", false, "Include binary material content")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides the config)")
}
