package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/client"
	"github.com/simtree/simtree/pkg/config"
	"github.com/simtree/simtree/pkg/journal"
	"github.com/simtree/simtree/pkg/memauthority"
	"github.com/simtree/simtree/pkg/policy"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/transports/ssh"
	"github.com/simtree/simtree/pkg/transports/websocket"
	"github.com/simtree/simtree/pkg/tree"
)

// workspace is everything one tree command needs: a session on the
// configured authority, the root proxy and the optional journal.
type workspace struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	session *tree.Session
	root    *tree.Node
	journal *journal.Journal
}

// withWorkspace opens a workspace, runs fn under the configured request
// timeout and closes the workspace.
func withWorkspace(cmd *cobra.Command, fn func(ctx context.Context, ws *workspace) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	ws, err := openWorkspace(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, ws)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, ws.Close(shutdownCtx))
}

func openWorkspace(ctx context.Context, cfg *config.Config) (_ *workspace, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	ws := &workspace{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = ws.Close(context.Background())
		}
	}()

	class, err := loadRootClass(ctx, cfg.Schema, ws.logger)
	if err != nil {
		return nil, err
	}

	opts := []tree.Option{tree.WithLogger(ws.logger), tree.WithTelemetry(tel)}
	if cfg.Journal.Enabled {
		if ws.journal, err = openJournal(ctx, cfg.Journal, ws.logger); err != nil {
			return nil, err
		}
		opts = append(opts, tree.WithRecorder(ws.journal))
	}
	if cfg.Policy.Enabled {
		engine, err := newPolicyEngine(ctx, cfg.Policy, ws.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tree.WithGuard(engine))
	}

	authority, err := ws.dial(ctx, class)
	if err != nil {
		return nil, err
	}
	ws.session = tree.NewSession(authority, opts...)

	if ws.root, err = tree.NewRoot(ws.session, class); err != nil {
		return nil, err
	}
	return ws, nil
}

// dial connects to the authority selected by the transport setting.
func (ws *workspace) dial(ctx context.Context, class *schema.Class) (tree.Authority, error) {
	cfg := ws.cfg
	ccfg := client.Config{Logger: ws.logger, Events: ws.tel.Events}

	switch cfg.Transport {
	case config.TransportMemory:
		ws.logger.Debug().Str("root", class.Name).Msg("serving schema from memory")
		a, err := memauthority.New(class, memauthority.WithLogger(ws.logger))
		if err != nil {
			return nil, err
		}
		return a, nil

	case config.TransportSSH:
		conn, err := ssh.Dial(ctx, cfg.SSHTransport())
		if err != nil {
			return nil, fmt.Errorf("failed to reach %s over ssh: %w", cfg.SSH.Host, err)
		}
		c, err := client.New(ctx, conn, ccfg)
		if err != nil {
			return nil, err
		}
		return checkRoot(c, class)

	default:
		conn, err := websocket.Dial(ctx, cfg.Endpoint, nil)
		if err != nil {
			return nil, err
		}
		c, err := client.New(ctx, conn, ccfg)
		if err != nil {
			return nil, err
		}
		return checkRoot(c, class)
	}
}

// checkRoot checks that the authority serves the tree the schema
// describes.
func checkRoot(c *client.Client, class *schema.Class) (tree.Authority, error) {
	if root := c.Ready().Root; root != "" && root != class.Name {
		_ = c.Close()
		return nil, fmt.Errorf("authority serves %q but the schema root is %q", root, class.Name)
	}
	return c, nil
}

// Close ends the session and releases the journal and telemetry.
func (ws *workspace) Close(ctx context.Context) error {
	var errs []error
	if ws.session != nil {
		errs = append(errs, ws.session.Close())
	}
	if ws.journal != nil {
		errs = append(errs, ws.journal.Close())
	}
	errs = append(errs, ws.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// loadRootClass loads the schema documents and returns the root class.
func loadRootClass(ctx context.Context, cfg config.SchemaConfig, logger zerolog.Logger) (*schema.Class, error) {
	loader, err := schema.NewLoader(logger)
	if err != nil {
		return nil, err
	}
	reg, err := loader.LoadPaths(ctx, cfg.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return rootOf(reg, cfg.Root)
}

func rootOf(reg *schema.Registry, override string) (*schema.Class, error) {
	if override != "" {
		if err := reg.SetRoot(override); err != nil {
			return nil, err
		}
	}
	return reg.Root()
}

// openJournal opens the journal and prunes entries past retention.
func openJournal(ctx context.Context, cfg config.JournalConfig, logger zerolog.Logger) (*journal.Journal, error) {
	j, err := journal.Open(ctx, journal.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if cfg.Retention > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("failed to prune journal: %w", err)
		}
		if n > 0 {
			logger.Debug().Int64("entries", n).Msg("pruned journal")
		}
	}
	return j, nil
}

// newPolicyEngine builds the write guard from the built-in policies and
// the configured policy files.
func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger, policy.WithProtectedPaths(cfg.Protected...))
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return engine, nil
}
