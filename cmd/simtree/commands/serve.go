package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/simtree/simtree/pkg/config"
	"github.com/simtree/simtree/pkg/memauthority"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/transports/websocket"
)

func newServeCommand() *cobra.Command {
	var (
		stdio  bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the schema from an in-memory authority",
		Long: `Run a development authority that keeps the tree described by the schema
in memory and answers the protocol.

By default the authority listens for WebSocket clients. With --stdio it
answers one client on stdin and stdout; this is what the SSH transport
runs on the remote host.

Commands with a result expression in the schema are executed; other
commands fail as not implemented. When schema watching is on, a changed
schema applies to new connections and starts from its defaults. When
policy watching is on, changed policies apply to the next request.`,
		Example: `  # Serve on the configured address
  simtree serve -c simtree.yaml

  # Serve on another address
  simtree serve --listen :9000

  # Serve one client over stdio
  simtree serve --stdio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Serve.Listen = listen
			}
			if cfg.Serve.MetricsListen != "" && !stdio {
				cfg.Telemetry.Metrics.Enabled = true
				cfg.Telemetry.Metrics.Listen = cfg.Serve.MetricsListen
			}

			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(ctx)
			}()

			d := &devServer{
				cfg:     cfg,
				tel:     tel,
				logger:  tel.Logger.Zerolog(),
				version: cmd.Root().Version,
			}
			if err := d.init(cmd.Context()); err != nil {
				return err
			}
			defer d.stop()

			if stdio {
				return d.serveStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return d.serveWebSocket(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve one client on stdin and stdout")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides serve.listen)")

	return cmd
}

// devServer is the state of one serve run.
type devServer struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	version string

	loader  *schema.Loader
	opts    []memauthority.ServerOption
	server  *memauthority.Server
	handler *websocket.Handler
	stops   []func() error
}

func (d *devServer) init(ctx context.Context) error {
	loader, err := schema.NewLoader(d.logger)
	if err != nil {
		return err
	}
	d.loader = loader

	reg, err := loader.LoadPaths(ctx, d.cfg.Schema.Paths)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	class, err := rootOf(reg, d.cfg.Schema.Root)
	if err != nil {
		return err
	}

	d.opts = []memauthority.ServerOption{
		memauthority.WithServerLogger(d.logger),
		memauthority.WithServerTelemetry(d.tel),
		memauthority.WithMetadata(map[string]string{"server": "simtree " + d.version}),
	}
	if d.cfg.Policy.Enabled {
		engine, err := newPolicyEngine(ctx, d.cfg.Policy, d.logger)
		if err != nil {
			return err
		}
		if d.cfg.Policy.Watch && len(d.cfg.Policy.Paths) > 0 {
			pl, err := engine.Watch(ctx, d.cfg.Policy.Paths)
			if err != nil {
				return err
			}
			d.stops = append(d.stops, pl.StopWatching)
		}
		d.opts = append(d.opts, memauthority.WithServerGuard(engine))
	}

	d.server, err = d.newServer(class)
	return err
}

// newServer builds a fresh authority for class.
func (d *devServer) newServer(class *schema.Class) (*memauthority.Server, error) {
	a, err := memauthority.New(class, memauthority.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	return memauthority.NewServer(a, class.Name, d.opts...), nil
}

func (d *devServer) stop() {
	for _, stop := range d.stops {
		if err := stop(); err != nil {
			d.logger.Debug().Err(err).Msg("failed to stop watcher")
		}
	}
}

// serveStdio answers one client on r and w until it leaves.
func (d *devServer) serveStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	d.logger.Debug().Msg("serving on stdio")
	return d.server.ServeConn(ctx, &stdioConn{Reader: r, Writer: w})
}

// serveWebSocket listens for WebSocket clients until ctx is done.
func (d *devServer) serveWebSocket(ctx context.Context) error {
	d.handler = websocket.NewHandler(d.server, d.logger)

	if d.cfg.Schema.Watch {
		err := d.loader.Watch(ctx, d.cfg.Schema.Paths, d.reload)
		if err != nil {
			return err
		}
		d.stops = append(d.stops, d.loader.StopWatching)
	}

	metricsServer, err := d.tel.StartMetricsServer()
	if err != nil {
		return err
	}
	if metricsServer != nil {
		log.Info().Str("address", d.cfg.Serve.MetricsListen).Msg("Serving metrics")
		defer func() { _ = metricsServer.Close() }()
	}

	ln, err := net.Listen("tcp", d.cfg.Serve.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return d.serveOn(ctx, ln)
}

func (d *devServer) serveOn(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Serve.Path, d.handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().
		Str("address", "ws://"+ln.Addr().String()+d.cfg.Serve.Path).
		Msg("Serving")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// reload swaps in an authority for the reloaded schema.
func (d *devServer) reload(reg *schema.Registry) error {
	class, err := rootOf(reg, d.cfg.Schema.Root)
	if err != nil {
		return err
	}
	server, err := d.newServer(class)
	if err != nil {
		return err
	}
	d.handler.Swap(server)
	log.Info().Str("root", class.Name).Msg("Schema reloaded; new connections start from defaults")
	return nil
}

// stdioConn joins the process stdin and stdout into one stream.
type stdioConn struct {
	io.Reader
	io.Writer
}

// Close closes stdin, when it can be closed, to stop a pending read.
func (c *stdioConn) Close() error {
	if rc, ok := c.Reader.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
