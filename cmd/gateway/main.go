// Command hivegate is the edge gateway entrypoint: it loads configuration,
// wires the registry, session store, token validator, OAuth2 broker, and
// reverse proxies together, and serves the TLS listener described in
// pkg/gateway until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hivematrix/nexus-gateway/pkg/backendproxy"
	"github.com/hivematrix/nexus-gateway/pkg/composer"
	"github.com/hivematrix/nexus-gateway/pkg/config"
	"github.com/hivematrix/nexus-gateway/pkg/gateway"
	"github.com/hivematrix/nexus-gateway/pkg/idpproxy"
	"github.com/hivematrix/nexus-gateway/pkg/jwks"
	"github.com/hivematrix/nexus-gateway/pkg/metrics"
	"github.com/hivematrix/nexus-gateway/pkg/oauthbroker"
	"github.com/hivematrix/nexus-gateway/pkg/registry"
	"github.com/hivematrix/nexus-gateway/pkg/session"
	"github.com/hivematrix/nexus-gateway/pkg/tokenvalidator"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes per spec.md §6.
const (
	exitClean         = 0
	exitBadConfig     = 2
	exitCannotBind    = 3
	exitCannotLoadTLS = 4
)

func main() {
	os.Exit(newRootCmd().run(os.Args[1:]))
}

// rootCmd wraps cobra's root command; run adapts cobra's error-only
// execution to the process exit codes spec.md §6 requires.
type rootCmd struct {
	cmd  *cobra.Command
	code *int
}

func newRootCmd() *rootCmd {
	code := exitClean
	rc := &rootCmd{code: &code}

	root := &cobra.Command{
		Use:           "hivegate",
		Short:         "HiveMatrix edge gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's TLS listener and internal metrics listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := runServe(cmd.Context())
			*rc.code = c
			return err
		},
	})
	rc.cmd = root
	return rc
}

func (rc *rootCmd) run(args []string) int {
	rc.cmd.SetArgs(args)
	if err := rc.cmd.ExecuteContext(context.Background()); err != nil {
		if *rc.code == exitClean {
			*rc.code = exitBadConfig
		}
		fmt.Fprintln(os.Stderr, err)
		return *rc.code
	}
	return *rc.code
}

// runServe builds every gateway component and serves until ctx is canceled
// by SIGINT/SIGTERM (or a listener fails). The returned int is the process
// exit code to use if err is non-nil.
func runServe(parent context.Context) (int, error) {
	log, zapLog, err := newLogger()
	if err != nil {
		return exitBadConfig, fmt.Errorf("init logger: %w", err)
	}
	defer zapLog.Sync()

	cfg, err := config.Load()
	if err != nil {
		return exitBadConfig, err
	}

	reg := registry.New()
	if err := reg.Load(cfg.RegistryPath); err != nil {
		return exitBadConfig, fmt.Errorf("load service registry: %w", err)
	}

	secure := cfg.TLSCert != ""
	sessions, err := session.NewStore([]byte(cfg.CookieSecret), secure)
	if err != nil {
		return exitBadConfig, err
	}

	m, promReg := metrics.New()

	jwksCache := jwks.NewCache(cfg.AuthServiceURL+"/.well-known/jwks.json", http.DefaultClient)
	jwksCache.Recorder = m
	validator := tokenvalidator.New(jwksCache, cfg.AuthServiceURL, cfg.AuthServiceURL, http.DefaultClient)

	redirectURL, err := oauthbroker.RedirectURL(cfg.PublicOrigin)
	if err != nil {
		return exitBadConfig, err
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.IdPClientID,
		ClientSecret: cfg.IdPClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.IdPAuthorizationURL,
			TokenURL: cfg.IdPTokenURL,
		},
		Scopes: []string{"openid", "profile", "email"},
	}
	broker := oauthbroker.New(oauthCfg, sessions, cfg.AuthServiceURL, cfg.IdPEndSessionURL, http.DefaultClient, log)

	idpTarget, err := url.Parse(cfg.IdPAuthorizationURL)
	if err != nil {
		return exitBadConfig, fmt.Errorf("parse IDP_AUTHORIZATION_URL: %w", err)
	}
	idpTarget.Path = ""
	idp := idpproxy.New(idpTarget, log)

	theme := composer.NewThemeLookup(cfg.AuthServiceURL+"/api/public/user/theme", http.DefaultClient)
	html := composer.New(reg, theme)
	backends := backendproxy.New(html, log)
	backends.Metrics = m

	srv := &gateway.Server{
		Registry:  reg,
		Sessions:  sessions,
		Validator: validator,
		Broker:    broker,
		IdP:       idp,
		Backends:  backends,
		Metrics:   m,
		Log:       log,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metrics.Serve(ctx, cfg.MetricsAddr, promReg, log) }()

	if err := gateway.Listen(ctx, cfg.ListenAddr, cfg.TLSCert, cfg.TLSKey, srv.Handler(), log); err != nil {
		return classifyListenErr(err), err
	}
	<-metricsErr
	return exitClean, nil
}

// classifyListenErr maps a Listen failure to §6's exit codes: 4 for a TLS
// material load failure, 3 for anything else (bind failure).
func classifyListenErr(err error) int {
	if errors.Is(err, gateway.ErrTLSLoad) {
		return exitCannotLoadTLS
	}
	return exitCannotBind
}

func newLogger() (logr.Logger, *zap.Logger, error) {
	var zapLog *zap.Logger
	var err error
	if os.Getenv("HIVEGATE_DEV_LOGS") != "" {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Discard(), nil, err
	}
	return zapr.NewLogger(zapLog), zapLog, nil
}
