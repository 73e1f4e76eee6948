// Package app wires configuration into a running sync core and exposes the
// operations of the CLI and the daemon.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"studysync/internal/api"
	"studysync/internal/cloud"
	"studysync/internal/config"
	"studysync/internal/encryption"
	"studysync/internal/replica"
	"studysync/internal/store"
	"studysync/internal/tracing"
)

// ErrNoConflict is returned by Resolve when there is nothing to resolve.
var ErrNoConflict = errors.New("no conflict pending")

// Options tunes how an App reports on its work.
type Options struct {
	// Stderr mirrors log output when non-nil.
	Stderr io.Writer
	// TraceOutput receives spans of the stdout trace exporter.
	TraceOutput io.Writer
	// Clock overrides the wall clock.
	Clock replica.Clock
}

// App is the application layer between the CLI and the sync core.
// It constructs all dependencies from config and releases them on Close.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *store.SQLiteStore
	state     replica.SyncState
	cloud     replica.CloudAdapter
	encryptor replica.Encryptor
	tracing   *tracing.Provider
	orch      *replica.Orchestrator
	tracker   *replica.ChangeTracker
	resolver  *replica.ConflictResolver
}

// New creates a fully wired App from the given config.
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	session := time.Now().UTC().Format("20060102T150405Z")
	a.logger, a.logCloser, err = newLogger(cfg.LogDir, cfg.LogLevel, session, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a.store, a.state, err = store.NewStoreFromConfig(cfg.Store, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := a.store.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("store schema out of date: %w", err)
	}

	a.cloud, err = cloud.NewCloudFromConfig(ctx, cfg.Cloud)
	if err != nil {
		return nil, fmt.Errorf("creating cloud adapter: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	a.tracing, err = tracing.New(ctx, cfg.Tracing, cfg.DeviceID, opts.TraceOutput)
	if err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}

	logger := &slogAdapter{l: a.logger}
	a.orch = replica.NewOrchestrator(a.store, a.cloud, a.state, replica.Options{
		Logger:     logger,
		Clock:      opts.Clock,
		Tracer:     a.tracing.Tracer(),
		History:    a.store,
		Encryptor:  a.encryptor,
		BackupName: cfg.Sync.BackupName,
		Skew:       cfg.Sync.Skew.Duration,
	})
	a.tracker = replica.NewChangeTracker(a.store, a.orch, a.cloud, replica.TrackerOptions{
		Debounce: cfg.Sync.Debounce.Duration,
		Cooldown: cfg.Sync.Cooldown.Duration,
		Logger:   logger,
	})
	a.resolver = replica.NewConflictResolver(a.orch)

	return a, nil
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Logger() *slog.Logger { return a.logger }
func (a *App) Store() *store.SQLiteStore { return a.store }
func (a *App) Cloud() replica.CloudAdapter { return a.cloud }
func (a *App) Orchestrator() *replica.Orchestrator { return a.orch }
func (a *App) Resolver() *replica.ConflictResolver { return a.resolver }
func (a *App) Tracker() *replica.ChangeTracker { return a.tracker }
func (a *App) EncryptionEnabled() bool { return a.encryptor != nil }
func (a *App) LastSync() (time.Time, bool, error) { return a.state.LastSyncTime() }

// Connect signs in to the remote unless already authenticated.
func (a *App) Connect(ctx context.Context) error {
	if a.cloud.AuthState().Authenticated {
		return nil
	}
	if err := a.cloud.SignIn(ctx); err != nil {
		return err
	}
	a.logger.Info("signed in", "cloud", a.cfg.Cloud.Type)
	return nil
}

// SetupEncryption generates the key pair protecting remote snapshots.
func (a *App) SetupEncryption(passphrase string) error {
	if a.encryptor == nil {
		return fmt.Errorf("encryption is disabled in the config")
	}
	return a.encryptor.Setup(passphrase)
}

// Unlock prepares the orchestrator to decrypt remote snapshots.
// It is a no-op when encryption is disabled.
func (a *App) Unlock(passphrase string) error {
	if a.encryptor == nil {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	a.orch.Unlock(dc)
	return nil
}

// RemoteSnapshot returns metadata of the canonical backup, or nil.
func (a *App) RemoteSnapshot(ctx context.Context) (*replica.FileMetadata, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return a.cloud.FindFile(ctx, a.backupName())
}

func (a *App) backupName() string {
	if a.cfg.Sync.BackupName != "" {
		return a.cfg.Sync.BackupName
	}
	return replica.DefaultBackupName
}

// Check runs the startup state check.
func (a *App) Check(ctx context.Context) (replica.SyncStatus, error) {
	if err := a.Connect(ctx); err != nil {
		return replica.StatusError, err
	}
	return a.orch.CheckInitialState(ctx)
}

// Backup uploads the local replica. It is refused while a conflict is pending.
func (a *App) Backup(ctx context.Context) (*replica.BackupResult, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return a.orch.Backup(ctx)
}

// Restore replaces the local data with the remote snapshot.
func (a *App) Restore(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	return a.orch.Restore(ctx)
}

// Resolve surfaces the pending conflict with a state check, then settles it.
func (a *App) Resolve(ctx context.Context, choice replica.Choice) error {
	if a.resolver.Pending() == nil {
		if _, err := a.Check(ctx); err != nil {
			return err
		}
	}
	ran, err := a.resolver.Resolve(ctx, choice)
	if err != nil {
		return err
	}
	if !ran {
		return ErrNoConflict
	}
	return nil
}

// Fetch downloads payloads of materials imported without them.
func (a *App) Fetch(ctx context.Context) (*replica.FetchResult, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return a.orch.FetchPendingContent(ctx)
}

// Export writes the local store as an indented snapshot document. Unless
// full is set, binary material payloads are left out.
func (a *App) Export(ctx context.Context, w io.Writer, full bool) error {
	snap, err := a.orch.Codec().Export(ctx, !full)
	if err != nil {
		return err
	}
	data, err := snap.Marshal()
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("formatting snapshot: %w", err)
	}
	out.WriteByte('\n')
	if _, err := out.WriteTo(w); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Import replaces the local store with a snapshot document read from r.
// The import is a local edit: the replica becomes dirty.
func (a *App) Import(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	snap, err := replica.ParseSnapshot(data)
	if err != nil {
		return err
	}
	if err := a.orch.Codec().Import(ctx, snap); err != nil {
		return err
	}
	a.orch.MarkDirty()
	a.logger.Info("snapshot imported", "bytes", len(data))
	return nil
}

// History returns the most recent sync operations.
func (a *App) History(ctx context.Context, limit int) ([]*replica.SyncOperation, error) {
	return a.store.ListOperations(ctx, limit)
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the daemon on ln: the change tracker, the external change
// watcher, the startup check on sign-in and the HTTP status surface.
// It returns when ctx is done or a component fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	broker := api.NewBroker()
	unbridge := api.Bridge(broker, a.orch, a.cloud)
	defer unbridge()

	unreload := a.orch.SubscribeReload(func() {
		a.logger.Info("local data replaced from remote snapshot")
	})
	defer unreload()

	srv := &http.Server{
		Handler: api.NewRouter(api.Deps{
			Orchestrator: a.orch,
			Resolver:     a.resolver,
			Cloud:        a.cloud,
			History:      a.store,
			Logger:       a.logger,
		}, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	a.tracker.Start(gctx)
	defer a.tracker.Stop()
	stop := a.orch.Start(gctx)
	defer stop()

	if err := a.Connect(gctx); err != nil {
		a.logger.Warn("sign-in failed, changes will be kept locally", "error", err)
	}

	g.Go(func() error {
		return a.store.Watch(gctx, &slogAdapter{l: a.logger})
	})

	g.Go(func() error {
		a.logger.Info("serving", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases every resource the App holds.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		keep(a.tracing.Shutdown(ctx))
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			keep(fmt.Errorf("closing store: %w", err))
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return firstErr
}
