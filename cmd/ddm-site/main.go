// Command ddm-site runs one federation site: its asset store, policy
// evaluator, step runner, and REST surface (spec §4, §6).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/ddm-net/ddm/internal/asset"
	"github.com/ddm-net/ddm/internal/compute"
	"github.com/ddm-net/ddm/internal/config"
	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/identifier"
	"github.com/ddm-net/ddm/internal/logging"
	"github.com/ddm-net/ddm/internal/metrics"
	"github.com/ddm-net/ddm/internal/middleware"
	"github.com/ddm-net/ddm/internal/policy"
	"github.com/ddm-net/ddm/internal/registry"
	"github.com/ddm-net/ddm/internal/registry/client"
	"github.com/ddm-net/ddm/internal/registry/replicacache"
	"github.com/ddm-net/ddm/internal/runner"
	"github.com/ddm-net/ddm/internal/site"
	"github.com/ddm-net/ddm/internal/siteauth"
	"github.com/ddm-net/ddm/internal/siteclient"
)

func main() {
	cfg, err := config.LoadSiteConfig()
	if err != nil {
		logging.Default().WithFields(nil).WithError(err).Error("load site configuration")
		os.Exit(1)
	}
	logger := logging.NewFromEnv("ddm-site")

	siteID, err := identifier.Parse(cfg.SiteID)
	if err != nil {
		logger.WithFields(nil).WithError(err).Error("parse SITE_ID")
		os.Exit(1)
	}

	cache := replicacache.New(cfg.RedisAddr, "ddm-site:"+cfg.SiteID, cfg.ReplicaLeaseRefresh)
	replica := client.NewReplica(cfg.RegistryEndpoint, http.DefaultClient, cache, logger)
	registryClient := client.New(cfg.RegistryEndpoint, http.DefaultClient, replica, logger)
	if err := replica.Update(context.Background()); err != nil {
		logger.WithFields(nil).WithError(err).Warn("initial registry replica refresh failed")
	}

	issuer := siteauth.NewTokenIssuer([]byte(cfg.ServiceTokenSecret), cfg.SiteID, siteauth.DefaultTokenExpiry)
	peerHTTPClient := &http.Client{Transport: siteauth.NewRoundTripper(nil, issuer)}
	peers := siteclient.New(peerHTTPClient, registryClient, logger)

	rulesSource := policy.NewMultiSource(func(namespace string) (policy.PolicySource, error) {
		for _, obj := range replica.Snapshot() {
			if sd, ok := obj.(registry.SiteDescription); ok && sd.Namespace == namespace && sd.Endpoint != "" {
				return policy.NewRemoteSource(namespace, sd.Endpoint, peerHTTPClient), nil
			}
		}
		return nil, ddmerrors.New(ddmerrors.UnknownNamespace, "no policy source discoverable via registry replica").
			WithDetails("namespace", namespace)
	})
	for ns, url := range cfg.PolicySources {
		rulesSource.Register(ns, policy.NewRemoteSource(ns, url, peerHTTPClient))
	}
	localRules := loadLocalRules(logger)
	if localNS := config.GetEnv("LOCAL_NAMESPACE", ""); localNS != "" {
		rulesSource.Register(localNS, localRules)
	}

	siteResolver := policy.NewReplicaSiteResolver(replica.Snapshot)
	eval := policy.New(rulesSource, siteResolver)

	assets := asset.NewService(asset.NewMemoryStore())

	kernels := make(map[string]func(map[string][]byte) (map[string][]byte, error), len(compute.Registry))
	for name, k := range compute.Registry {
		kernels[name] = k
	}

	m := metrics.New("ddm-site")
	r := runner.New(siteID, assets, eval, peers, kernels, logger, m).
		WithBackoff(cfg.StepBackoffInitial, cfg.StepBackoffMax).
		WithPlanChecker(replica)

	s := site.New(siteID, assets, eval, r, localRules, logger)

	recovery := middleware.NewRecoveryMiddleware(logger)
	limiter := middleware.NewRateLimiter(100, 200)
	s.Router.Use(
		middleware.LoggingMiddleware(logger),
		recovery.Handler,
		middleware.MetricsMiddleware("ddm-site", m),
		limiter.MuxMiddleware(),
		siteauth.Middleware([]byte(cfg.ServiceTokenSecret)),
	)
	s.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	sched := cron.New()
	refreshSchedule := "@every " + cfg.ReplicaLeaseRefresh.String()
	if _, err := sched.AddFunc(refreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := replica.Update(ctx); err != nil {
			logger.WithFields(nil).WithError(err).Warn("registry replica refresh failed")
			if m != nil {
				m.ReplicaRefreshErr.Inc()
			}
			return
		}
		if m != nil {
			m.ReplicaObjects.Set(float64(len(replica.Snapshot())))
		}
	}); err != nil {
		logger.WithFields(nil).WithError(err).Warn("schedule registry replica refresh")
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr, "site": cfg.SiteID}).Info("ddm-site listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithFields(nil).WithError(err).Error("http server stopped")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.WithFields(nil).Info("shutting down ddm-site")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithFields(nil).WithError(err).Warn("graceful shutdown failed")
	}
}

// loadLocalRules builds the StaticSource this process serves to peers at
// GET /updates when it is itself a namespace authority (spec: "a site
// with a non-empty namespace also acts as the authoritative policy
// source for that namespace"). Seed rules, if any, come from a local
// JSON file named by LOCAL_RULES_FILE; spec.md treats rule ingestion
// itself as out of scope, so this is the simplest loader that lets a
// namespace authority boot with a starting rule set.
func loadLocalRules(logger *logging.Logger) *policy.StaticSource {
	src := policy.NewStaticSource()
	path := config.GetEnv("LOCAL_RULES_FILE", "")
	if path == "" {
		return src
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.WithFields(nil).WithError(err).Warn("read LOCAL_RULES_FILE")
		return src
	}
	var byNamespace map[string][]policy.Rule
	if err := json.Unmarshal(raw, &byNamespace); err != nil {
		logger.WithFields(nil).WithError(err).Warn("parse LOCAL_RULES_FILE")
		return src
	}
	for ns, rules := range byNamespace {
		if err := src.Set(ns, rules); err != nil {
			logger.WithFields(map[string]interface{}{"namespace": ns}).WithError(err).Warn("load local rules")
		}
	}
	return src
}
