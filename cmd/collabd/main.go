package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"collabd/internal/app"
	"collabd/internal/collab"
	"collabd/internal/config"
	"collabd/internal/database"
	"collabd/internal/database/migrations"
	"collabd/internal/manage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, string, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, paths.ConfigPath, nil
}

// newApp reads the config and creates a CollabApp. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.CollabApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewCollabApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// dialManagement connects to the running server's management listener.
func dialManagement(ctx context.Context) (*manage.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Management.Enabled {
		return nil, fmt.Errorf("management listener is disabled in config")
	}
	addr := net.JoinHostPort(cfg.Management.Host, strconv.Itoa(cfg.Management.Port))
	return manage.Dial(ctx, addr)
}

// readSecret prompts for a secret without echo. When stdin is not a
// terminal the first line of input is used.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return string(b), nil
}

// readNewSecret prompts twice and requires both entries to match.
func readNewSecret(prompt string) (string, error) {
	first, err := readSecret(prompt)
	if err != nil {
		return "", err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := readSecret("Confirm " + strings.ToLower(prompt))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("entries do not match")
	}
	return first, nil
}

// parseMask accepts decimal or 0x-prefixed hex permission masks.
func parseMask(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid permission mask %q: %w", s, err)
	}
	return collab.ClampMask(v), nil
}

func maskFlags(cmd *cobra.Command, def uint64) (collab.MaskPair, error) {
	pubStr, _ := cmd.Flags().GetString("pub")
	subStr, _ := cmd.Flags().GetString("sub")

	masks := collab.MaskPair{Publish: def, Subscribe: def}
	var err error
	if pubStr != "" {
		if masks.Publish, err = parseMask(pubStr); err != nil {
			return masks, err
		}
	}
	if subStr != "" {
		if masks.Subscribe, err = parseMask(subStr); err != nil {
			return masks, err
		}
	}
	return masks, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

var rootCmd = &cobra.Command{
	Use:          "collabd",
	Short:        "Collaborative reverse-engineering sync server",
	SilenceUsage: true,
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Archive().ValidateSetup(ctx); err != nil {
			a.Logger().Warn("export archive unavailable", "error", err)
		}
		return a.Serve(ctx)
	},
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
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Listen:      %s:%d (tls: %v)\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.TLSEnabled())
		if cfg.Management.Enabled {
			fmt.Printf("Management:  %s:%d\n", cfg.Management.Host, cfg.Management.Port)
		} else {
			fmt.Printf("Management:  disabled\n")
		}
		fmt.Printf("Store:       %s\n", cfg.Store.Type)
		fmt.Printf("Archive:     %s\n", cfg.Archive.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := database.OpenSQLiteFromConfig(cfg.Store, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		before, err := store.MigrationStatus()
		if err != nil && !errors.Is(err, migrations.ErrNoVersion) {
			return err
		}
		if err := store.MigrateUp(); err != nil {
			return err
		}
		after, err := store.MigrationStatus()
		if err != nil {
			return err
		}

		if before.Version == after.Version {
			fmt.Printf("Schema already at version %d\n", after.Version)
		} else {
			fmt.Printf("Schema migrated from version %d to %d\n", before.Version, after.Version)
		}

		if printSchema, _ := cmd.Flags().GetBool("schema"); printSchema {
			schema, err := store.Schema(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Printf("\n%s", schema)
		}
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		masks, err := maskFlags(cmd, collab.FullPermissions)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		password, err := readNewSecret("Password")
		if err != nil {
			return err
		}

		acct, err := a.AddUser(ctx, args[0], password, masks)
		if err != nil {
			return fmt.Errorf("adding user: %w", err)
		}
		fmt.Printf("Added user %s (pub %#x, sub %#x)\n", acct.Username, acct.Publish, acct.Subscribe)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tPUB\tSUB")
		for _, u := range users {
			fmt.Fprintf(w, "%d\t%s\t%#x\t%#x\n", u.ID, u.Username, u.Publish, u.Subscribe)
		}
		return w.Flush()
	},
}

var userPermsCmd = &cobra.Command{
	Use:   "perms NAME",
	Short: "Change a user's permission masks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("pub") && !cmd.Flags().Changed("sub") {
			return errors.New("at least one of --pub or --sub is required")
		}
		ctx := commandContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := findUser(ctx, a, args[0])
		if err != nil {
			return err
		}
		masks := current.Masks()
		if cmd.Flags().Changed("pub") {
			s, _ := cmd.Flags().GetString("pub")
			if masks.Publish, err = parseMask(s); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("sub") {
			s, _ := cmd.Flags().GetString("sub")
			if masks.Subscribe, err = parseMask(s); err != nil {
				return err
			}
		}

		if err := a.SetUserPermissions(ctx, args[0], masks); err != nil {
			return fmt.Errorf("updating permissions: %w", err)
		}
		fmt.Printf("User %s now pub %#x, sub %#x\n", args[0], masks.Publish, masks.Subscribe)
		return nil
	},
}

func findUser(ctx context.Context, a *app.CollabApp, name string) (*collab.Account, error) {
	users, err := a.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", collab.ErrUserNotFound, name)
}

// project command
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect and transfer projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, _ := cmd.Flags().GetString("hash")
		ctx := commandContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.ListProjects(ctx, hash)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tHASH\tDESCRIPTION\tGPID")
		for _, p := range projects {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Owner, p.Hash, p.ListingDescription(0), p.GlobalID)
		}
		return w.Flush()
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export ID NAME",
	Short: "Export a project to the archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid project id %q", args[0])
		}
		ctx := commandContext(cmd)

		if viaServer, _ := cmd.Flags().GetBool("server"); viaServer {
			client, err := dialManagement(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			res, err := client.Export(ctx, id, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d update(s) of %s as %s\n", res.Updates, res.GlobalID, res.Name)
			return nil
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ExportProject(ctx, id, args[1])
		if err != nil {
			return fmt.Errorf("exporting project: %w", err)
		}
		fmt.Printf("Exported %d update(s) of %s as %s\n", res.Updates, res.GlobalID, res.Name)
		return nil
	},
}

var projectImportCmd = &cobra.Command{
	Use:   "import NAME",
	Short: "Import a project from the archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		if owner == "" {
			return errors.New("--owner is required")
		}
		ctx := commandContext(cmd)

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		var passphrase string
		if cfg.Encryption.Type == "age" || cfg.Encryption.Type == "" {
			if passphrase, err = readSecret("Passphrase"); err != nil {
				return err
			}
		}

		if viaServer, _ := cmd.Flags().GetBool("server"); viaServer {
			client, err := dialManagement(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			p, err := client.Import(ctx, args[0], owner, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %s as project %d\n", p.GlobalID, p.ID)
			return nil
		}

		a, err := app.NewCollabApp(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		p, err := a.ImportProject(ctx, args[0], owner, passphrase)
		if err != nil {
			return fmt.Errorf("importing project: %w", err)
		}
		fmt.Printf("Imported %s as project %d\n", p.GlobalID, p.ID)
		return nil
	},
}

var projectExportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List exports in the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.ListExports(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

// management client commands
var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List clients connected to the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client, err := dialManagement(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		conns, err := client.Connections(ctx)
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No connections.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tUSER\tREMOTE\tSTATE\tPROJECT\tPUB\tSUB\tCONNECTED")
		for _, c := range conns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%#x\t%#x\t%s\n",
				c.Session, c.User, c.Remote, c.State, c.Project, c.Publish, c.Subscribe,
				c.ConnectedAt.Format(time.DateTime))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-session command counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client, err := dialManagement(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%s (%s)\n", s.Session, s.User)
			for _, line := range s.Commands {
				fmt.Printf("  %-28s rx %-8d tx %d\n", line.Command, line.Rx, line.Tx)
			}
		}
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client, err := dialManagement(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Shutdown(ctx); err != nil {
			return err
		}
		fmt.Println("Shutdown requested.")
		return nil
	},
}

// encryption command
var encryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Manage export encryption keys",
}

var encryptionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the export key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(commandContext(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Config().Encryption.Type != "age" && a.Config().Encryption.Type != "" {
			return fmt.Errorf("encryption type %q has no keys to generate", a.Config().Encryption.Type)
		}
		passphrase, err := readNewSecret("Passphrase")
		if err != nil {
			return err
		}
		if err := a.SetupEncryption(passphrase); err != nil {
			return err
		}
		fmt.Printf("Encryption keys written to %s and %s\n", a.Config().Encryption.PublicKeyPath, a.Config().Encryption.PrivateKeyPath)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	migrateCmd.Flags().Bool("schema", false, "Print the resulting schema")

	// user subcommands
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPermsCmd)
	for _, c := range []*cobra.Command{userAddCmd, userPermsCmd} {
		c.Flags().String("pub", "", "Publish permission mask (decimal or 0x hex)")
		c.Flags().String("sub", "", "Subscribe permission mask (decimal or 0x hex)")
	}

	// project subcommands
	projectCmd.AddCommand(projectListCmd)
	projectListCmd.Flags().String("hash", "", "Only list projects for this binary hash")
	projectCmd.AddCommand(projectExportCmd)
	projectExportCmd.Flags().Bool("server", false, "Ask the running server to perform the export")
	projectCmd.AddCommand(projectImportCmd)
	projectImportCmd.Flags().String("owner", "", "User that will own the imported project")
	projectImportCmd.Flags().Bool("server", false, "Ask the running server to perform the import")
	projectCmd.AddCommand(projectExportsCmd)

	// encryption subcommands
	encryptionCmd.AddCommand(encryptionInitCmd)

	// root commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(encryptionCmd)
}
