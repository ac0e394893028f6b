// Command server runs a demo modernrpc endpoint.
//
//	go run ./example/server --config rpc.yaml --env-file .env --user alice:secret
//
// Calls are accepted at /rpc as JSON-RPC or XML-RPC. The procedure list is
// served at /procedures and Prometheus metrics at /metrics. When
// MODERNRPC_OIDC_ISSUER and MODERNRPC_OIDC_CLIENT_ID are set, bearer tokens
// from that issuer are accepted and browser login is mounted under /auth/.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/config"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/metrics"
	"github.com/mnehpets/modernrpc/middleware"
	"github.com/mnehpets/modernrpc/procedure"
	"github.com/mnehpets/modernrpc/server"
	"github.com/mnehpets/modernrpc/xmlrpc"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath string
	envFiles   []string
	listen     string
	users      []string
	verbose    bool
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve demo procedures over JSON-RPC and XML-RPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load before reading MODERNRPC_* overrides")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address, overrides the configuration")
	cmd.Flags().StringSliceVar(&opts.users, "user", nil, "Basic auth user as name:password, may be repeated")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		errors.PrintErrorStack(os.Stderr, err, 5)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	level := nucliozap.InfoLevel
	if opts.verbose {
		level = nucliozap.DebugLevel
	}
	log, err := nucliozap.NewNuclioZapCmd("modernrpc", level, os.Stdout)
	if err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	if err := config.LoadEnv(opts.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}

	registry, err := procedure.Build(procedure.Methods{Receiver: &demo{}}, procedure.System, xmlrpc.Multicall)
	if err != nil {
		return errors.Wrap(err, "Failed to register procedures")
	}

	promRegistry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(promRegistry)
	if err != nil {
		return err
	}

	srv, err := server.FromConfig(cfg, registry, log, collector)
	if err != nil {
		return err
	}

	passwords, err := passwordStore(opts.users)
	if err != nil {
		return err
	}
	sessions, stateCookie, err := cookies(log)
	if err != nil {
		return err
	}
	providers, err := oidcProviders(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", srv.Handler(
		server.HeadersFromConfig(cfg),
		sessions,
		auth.SessionProcessor{},
		auth.NewBearerProcessor(providers),
		auth.NewBasicAuthProcessor(passwords),
	))
	mux.Handle("GET /procedures", endpoint.Handler(procedureList(registry)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	if publicURL := os.Getenv(config.EnvPrefix + "PUBLIC_URL"); publicURL != "" {
		mux.Handle("/auth/", auth.NewLoginHandler(providers, sessions, stateCookie, publicURL, "/auth", log))
	}

	return serve(ctx, log, cfg.Listen, mux)
}

func serve(ctx context.Context, log logger.Logger, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.InfoWith("Listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "Failed to serve")
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.InfoWith("Shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func passwordStore(users []string) (*auth.PasswordStore, error) {
	store := auth.NewPasswordStore(0)
	for _, u := range users {
		name, password, ok := strings.Cut(u, ":")
		if !ok {
			return nil, errors.Errorf("Invalid user %q, expected name:password", u)
		}
		if err := store.SetPassword(auth.User{Username: name}, password); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// cookies builds the session and login state cookies. Without
// MODERNRPC_SESSION_KEY a random key is used and sessions do not survive a restart.
func cookies(log logger.Logger) (*middleware.SessionProcessor, *middleware.SealedCookie, error) {
	var key []byte
	if encoded := os.Getenv(config.EnvPrefix + "SESSION_KEY"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, errors.Wrap(err, "Invalid session key")
		}
		key = decoded
	} else {
		log.WarnWith("No session key configured, using an ephemeral key")
		key = make([]byte, middleware.DefaultAEADKeysize)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, err
		}
	}
	keys := map[string][]byte{"k1": key}
	secure := middleware.WithSecure(strings.HasPrefix(os.Getenv(config.EnvPrefix+"PUBLIC_URL"), "https://"))

	sessions, err := middleware.NewSessionProcessor("", "k1", keys, secure)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to create session cookie")
	}
	stateCookie, err := middleware.NewSealedCookie(auth.DefaultLoginCookieName, "k1", keys, secure)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to create login cookie")
	}
	return sessions, stateCookie, nil
}

func oidcProviders(ctx context.Context) (*auth.Registry, error) {
	registry := auth.NewRegistry()
	issuer := os.Getenv(config.EnvPrefix + "OIDC_ISSUER")
	clientID := os.Getenv(config.EnvPrefix + "OIDC_CLIENT_ID")
	if issuer == "" || clientID == "" {
		return registry, nil
	}

	var opts []auth.OIDCProviderOption
	if secret := os.Getenv(config.EnvPrefix + "OIDC_CLIENT_SECRET"); secret != "" {
		opts = append(opts, auth.WithLogin(secret, "profile", "email"))
	}
	if _, err := registry.RegisterOIDCProvider(ctx, "oidc", issuer, clientID, opts...); err != nil {
		return nil, err
	}
	return registry, nil
}

type procedureInfo struct {
	Name      string   `json:"name"`
	Params    []string `json:"params"`
	Signature []string `json:"signature,omitempty"`
	Protocols []string `json:"protocols,omitempty"`
	Doc       string   `json:"doc,omitempty"`
	Protected bool     `json:"protected"`
}

func procedureList(registry *procedure.Registry) func(http.ResponseWriter, *http.Request, struct{}) (endpoint.Renderer, error) {
	return func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		infos := lo.Map(registry.Entries(), func(e *procedure.Entry, _ int) procedureInfo {
			return procedureInfo{
				Name:      e.Name,
				Params:    lo.Map(e.Params, func(p procedure.Param, _ int) string { return p.Name }),
				Signature: e.Signature,
				Protocols: lo.Map(e.Protocols, func(p procedure.Protocol, _ int) string { return string(p) }),
				Doc:       e.Doc,
				Protected: len(e.Predicates) > 0,
			}
		})
		return &endpoint.JSONRenderer{Value: infos}, nil
	}
}
