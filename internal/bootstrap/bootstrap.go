// Package bootstrap wires every component into a running App using a
// two-phase construction order: build the Store and PDS Client first, then
// inject them into the components that depend on them, then wire the
// background processors last so construction never forms a cycle.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/msonnb/fedisky/internal/blob"
	"github.com/msonnb/fedisky/internal/bridgeaccount"
	"github.com/msonnb/fedisky/internal/config"
	"github.com/msonnb/fedisky/internal/federation"
	"github.com/msonnb/fedisky/internal/firehose"
	"github.com/msonnb/fedisky/internal/httpapi"
	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/registry"
	"github.com/msonnb/fedisky/internal/replypoller"
	"github.com/msonnb/fedisky/internal/store"
)

// App is every long-lived component the sidecar runs, assembled by New.
type App struct {
	cfg *config.Config

	Store    *store.Store
	PDS      *pdsclient.Client
	Bridge   *bridgeaccount.Manager
	Engine   *federation.Engine
	Server   *httpapi.Server
	Firehose *firehose.Processor
	Poller   *replypoller.Poller
}

// New constructs every component but starts no background work — call Run
// to start goroutines and block on the HTTP server.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DBLocation)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	pds := pdsclient.New(cfg.PDSURL)

	bridge := bridgeaccount.New(st, pds)
	if cfg.BridgeEnabled {
		loaded, err := bridge.Load()
		if err != nil {
			return nil, fmt.Errorf("load bridge account: %w", err)
		}
		if !loaded {
			if cfg.BridgeHandle == "" || cfg.BridgePassword == "" {
				return nil, fmt.Errorf("bridge account not yet provisioned: BRIDGE_HANDLE and BRIDGE_PASSWORD are required for first-run provisioning")
			}
			if err := bridge.Provision(ctx, cfg.BridgeHandle, cfg.BridgePassword); err != nil {
				return nil, fmt.Errorf("provision bridge account: %w", err)
			}
		}
	}

	reg := registry.New(registry.PostConverter{})
	bm := blob.New(nil, cfg.BlobMaxBytes)

	engine := federation.New(cfg.Hostname, cfg.PublicURL, cfg.FederationConcurrency, st, pds, reg, bm)
	engine.Bootstrap = bridge

	federation.SetObjectCacheTTL(cfg.ObjectCacheTTL)

	srv := httpapi.New(cfg, engine, bridge)

	app := &App{
		cfg:    cfg,
		Store:  st,
		PDS:    pds,
		Bridge: bridge,
		Engine: engine,
		Server: srv,
	}

	if cfg.FirehoseEnabled {
		app.Firehose = firehose.New(cfg.FirehoseURL(), bridge.DID(), engine, st)
	}

	if cfg.ConstellationURL != "" && cfg.BridgeEnabled {
		appViewClient := pdsclient.New(cfg.AppViewURL)
		app.Poller = &replypoller.Poller{
			Store:    st,
			AppView:  appViewClient,
			Backlink: replypoller.NewBacklinkClient(cfg.ConstellationURL),
			Engine:   engine,
			Bridge:   bridge,
			Interval: cfg.ConstellationPollInterval,
		}
	}

	return app, nil
}

// Run starts every configured background processor as a goroutine and then
// blocks serving HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	if a.Firehose != nil {
		go a.Firehose.Run(ctx)
	} else {
		slog.Info("firehose processor disabled")
	}

	if a.Poller != nil {
		go a.Poller.Run(ctx)
	} else {
		slog.Info("external-reply poller disabled (no CONSTELLATION_URL or bridge account)")
	}

	a.Server.Start(ctx)
}

// Close releases the Store's underlying connection. Call after Run returns.
func (a *App) Close() error {
	return a.Store.Close()
}
