package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabd/internal/archive"
	"collabd/internal/collab"
	"collabd/internal/config"
	"collabd/internal/database"
	"collabd/internal/encryption"
	"collabd/internal/manage"
	"collabd/internal/server"
	"collabd/internal/transfer"
)

// ShutdownTimeout bounds how long Serve waits for connections to drain.
const ShutdownTimeout = 10 * time.Second

// ErrNoAccounts is returned by account operations on a store without users.
var ErrNoAccounts = errors.New("user accounts require the sqlite store")

// CollabApp is the application layer between the CLI and the collab core.
// It constructs all dependencies from config and releases them on Close.
type CollabApp struct {
	cfg       *config.Config
	store     collab.ProjectStore
	archive   collab.Archive
	encryptor collab.Encryptor
	zl        *zap.Logger
	logger    collab.Logger
	logFile   *os.File
}

// NewCollabApp creates a fully wired CollabApp from the given config.
// The caller must call Close when done.
func NewCollabApp(ctx context.Context, cfg *config.Config) (*CollabApp, error) {
	zl, logFile, err := newLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &CollabApp{cfg: cfg, zl: zl, logger: newZapAdapter(zl), logFile: logFile}

	a.store, err = database.NewStoreFromConfig(cfg.Store, collab.SystemClock)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := a.store.CheckMigrations(); err != nil {
		a.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	a.archive, err = archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	return a, nil
}

func (a *CollabApp) Config() *config.Config      { return a.cfg }
func (a *CollabApp) Store() collab.ProjectStore  { return a.store }
func (a *CollabApp) Archive() collab.Archive     { return a.archive }
func (a *CollabApp) Encryptor() collab.Encryptor { return a.encryptor }
func (a *CollabApp) Logger() collab.Logger       { return a.logger }

// Exporter returns an Exporter over the app's store, archive and encryptor.
func (a *CollabApp) Exporter() *transfer.Exporter {
	return transfer.NewExporter(a.store, a.archive, a.encryptor, a.logger)
}

// Importer returns an Importer over the app's store, archive and encryptor.
func (a *CollabApp) Importer() *transfer.Importer {
	return transfer.NewImporter(a.store, a.archive, a.encryptor, a.logger)
}

func (a *CollabApp) sessionConfig() collab.SessionConfig {
	cfg := collab.DefaultSessionConfig()
	cfg.PingTimeout = a.cfg.Server.PingTimeout.Duration
	cfg.OutboundBuffer = a.cfg.Server.OutboundBuffer
	cfg.MaxAuthTries = a.cfg.Server.MaxAuthTries
	return cfg
}

// Running is a started server. Stop requests shutdown; Wait blocks until
// both listeners have drained.
type Running struct {
	svc    *collab.Service
	collab *server.Server
	mgmt   *server.Server
	cancel context.CancelFunc
	g      *errgroup.Group
}

// Addr returns the client listener's address.
func (r *Running) Addr() net.Addr { return r.collab.Addr() }

// ManagementAddr returns the management listener's address, or nil when
// management is disabled.
func (r *Running) ManagementAddr() net.Addr {
	if r.mgmt == nil {
		return nil
	}
	return r.mgmt.Addr()
}

// Service exposes the running collab service.
func (r *Running) Service() *collab.Service { return r.svc }

func (r *Running) Stop() { r.cancel() }

func (r *Running) Wait() error { return r.g.Wait() }

// Start binds the client listener (and the management listener when
// enabled) and serves until ctx is cancelled, Stop is called, or a client
// sends mng_shutdown.
func (a *CollabApp) Start(ctx context.Context) (*Running, error) {
	ctx, cancel := context.WithCancel(ctx)

	svc := collab.NewService(a.store, a.logger, collab.SystemClock, collab.RandomIDs, a.sessionConfig(), a.cfg.Server.QueueSize)
	r := &Running{svc: svc, cancel: cancel}

	fail := func(err error) (*Running, error) {
		cancel()
		svc.Stop()
		return nil, err
	}

	var err error
	r.collab, err = server.New(server.Config{
		Name:     "collab",
		Host:     a.cfg.Server.Host,
		Port:     a.cfg.Server.Port,
		CertPath: a.cfg.Server.TLSCertPath,
		KeyPath:  a.cfg.Server.TLSKeyPath,
	}, svc, a.logger)
	if err != nil {
		return fail(fmt.Errorf("creating collab listener: %w", err))
	}
	if err := r.collab.Listen(); err != nil {
		return fail(err)
	}

	if a.cfg.Management.Enabled {
		h := manage.NewHandler(svc, a.Exporter(), a.Importer(), a.logger, cancel)
		r.mgmt, err = server.New(server.Config{
			Name: "management",
			Host: a.cfg.Management.Host,
			Port: a.cfg.Management.Port,
		}, h, a.logger)
		if err != nil {
			r.collab.Shutdown(context.Background())
			return fail(fmt.Errorf("creating management listener: %w", err))
		}
		if err := r.mgmt.Listen(); err != nil {
			r.collab.Shutdown(context.Background())
			return fail(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	r.g = g
	g.Go(r.collab.Serve)
	if r.mgmt != nil {
		g.Go(r.mgmt.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer scancel()

		var errs []error
		if r.mgmt != nil {
			errs = append(errs, r.mgmt.Shutdown(sctx))
		}
		// Accepted updates reach every client before the connections go.
		r.collab.Close()
		svc.Stop()
		errs = append(errs, r.collab.Shutdown(sctx))
		a.zl.Sync()
		return errors.Join(errs...)
	})

	return r, nil
}

// Serve runs the server until ctx is cancelled or shutdown is requested.
func (a *CollabApp) Serve(ctx context.Context) error {
	r, err := a.Start(ctx)
	if err != nil {
		return err
	}
	return r.Wait()
}

func (a *CollabApp) accounts() (collab.AccountStore, error) {
	accounts, ok := a.store.(collab.AccountStore)
	if !ok {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

// AddUser creates an account. The password is stored as its hex MD5, the
// key the plugin's challenge response is computed with.
func (a *CollabApp) AddUser(ctx context.Context, username, password string, masks collab.MaskPair) (*collab.Account, error) {
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	masks = collab.MaskPair{Publish: collab.ClampMask(masks.Publish), Subscribe: collab.ClampMask(masks.Subscribe)}
	return accounts.AddUser(ctx, username, collab.HashPassword(password), masks)
}

// ListUsers returns every account.
func (a *CollabApp) ListUsers(ctx context.Context) ([]*collab.Account, error) {
	accounts, err := a.accounts()
	if err != nil {
		return nil, err
	}
	return accounts.ListUsers(ctx)
}

// SetUserPermissions replaces a user's permission limits.
func (a *CollabApp) SetUserPermissions(ctx context.Context, username string, masks collab.MaskPair) error {
	accounts, err := a.accounts()
	if err != nil {
		return err
	}
	masks = collab.MaskPair{Publish: collab.ClampMask(masks.Publish), Subscribe: collab.ClampMask(masks.Subscribe)}
	return accounts.SetUserPermissions(ctx, username, masks)
}

// ListProjects returns the projects for hash, or every project when hash is empty.
func (a *CollabApp) ListProjects(ctx context.Context, hash string) ([]*collab.Project, error) {
	if hash == "" {
		return a.store.AllProjects(ctx)
	}
	return a.store.ListProjects(ctx, hash)
}

// ExportProject writes a project to the configured archive.
func (a *CollabApp) ExportProject(ctx context.Context, projectID int64, name string) (*transfer.ExportResult, error) {
	return a.Exporter().Export(ctx, projectID, name)
}

// ImportProject recreates an archived project owned by owner.
func (a *CollabApp) ImportProject(ctx context.Context, name, owner, passphrase string) (*collab.Project, error) {
	return a.Importer().Import(ctx, name, owner, passphrase)
}

// ListExports returns the names stored in the archive.
func (a *CollabApp) ListExports(ctx context.Context) ([]string, error) {
	return a.archive.List(ctx)
}

// SetupEncryption generates the export key pair protected by passphrase.
func (a *CollabApp) SetupEncryption(passphrase string) error {
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	return nil
}

// Close releases the store and the log file.
func (a *CollabApp) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing store: %w", err)
		}
	}
	if a.zl != nil {
		a.zl.Sync()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
