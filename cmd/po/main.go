// Package main implements the FLAME Pod Orchestrator.
//
// The Pod Orchestrator is a standalone binary that runs inside a
// Kubernetes cluster, one instance per node. It serves an authenticated
// HTTP API for launching and managing containerized analyses, and runs a
// background reconciler loop that keeps each analysis's lifecycle state
// in sync between the database, the cluster and the central Hub.
//
// Architecture:
//   - API worker serves /po on 0.0.0.0:8000 (create/inspect/stop/delete/cleanup)
//   - Reconciler worker ticks every STATUS_LOOP_INTERVAL seconds
//   - Analyses run as Deployment pairs (analysis + nginx proxy sidecar)
//     with a NetworkPolicy restricting the analysis to its proxy
//
// Command-line flags:
//   --namespace: Kubernetes namespace owning analysis resources
//   --kubeconfig: Path to kubeconfig file (empty for in-cluster)
//   --listen-addr: API bind address (default 0.0.0.0:8000)
//
// Environment variables (see internal/config for the full set):
//   HUB_ROBOT_USER / HUB_ROBOT_SECRET: Hub robot credentials
//   HUB_URL_CORE / HUB_URL_AUTH: Hub API endpoints
//   KEYCLOAK_URL / KEYCLOAK_REALM: Auth server
//   RESULT_CLIENT_ID / RESULT_CLIENT_SECRET: Keycloak admin service account
//   POSTGRES_HOST / POSTGRES_USER / POSTGRES_PASSWORD / POSTGRES_DB: Repository
//   STATUS_LOOP_INTERVAL: Reconciler tick period in seconds (default 10)
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flame-hub/pod-orchestrator/internal/api"
	"github.com/flame-hub/pod-orchestrator/internal/cleanup"
	"github.com/flame-hub/pod-orchestrator/internal/cluster"
	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/config"
	"github.com/flame-hub/pod-orchestrator/internal/credentials"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/metrics"
	"github.com/flame-hub/pod-orchestrator/internal/notify"
	"github.com/flame-hub/pod-orchestrator/internal/reconciler"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// createKubernetesClient creates a Kubernetes client from config.
//
// If kubeConfigPath is empty, in-cluster config is used.
func createKubernetesClient(kubeConfigPath string) (*kubernetes.Clientset, error) {
	var cfg *rest.Config
	var err error

	if kubeConfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// currentNamespace returns the namespace this pod runs in when deployed
// in-cluster, falling back to fallback.
func currentNamespace(fallback string) string {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return fallback
	}
	if ns := strings.TrimSpace(string(data)); ns != "" {
		return ns
	}
	return fallback
}

// buildHTTPClient configures the shared outbound HTTP client with the
// optional egress proxy and extra CA bundle.
func buildHTTPClient(cfg *config.Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	proxyAddr := cfg.HTTPSProxy
	if proxyAddr == "" {
		proxyAddr = cfg.HTTPProxy
	}
	if proxyAddr != "" {
		proxyURL, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyAddr, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if cfg.ExtraCACerts != "" {
		pem, err := os.ReadFile(cfg.ExtraCACerts)
		if err != nil {
			return nil, fmt.Errorf("read EXTRA_CA_CERTS %q: %w", cfg.ExtraCACerts, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", cfg.ExtraCACerts)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{Timeout: 30 * time.Second, Transport: transport}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	// Command-line flags
	namespace := flag.String("namespace", getEnvOrDefault("NAMESPACE", currentNamespace("default")), "Kubernetes namespace for analysis resources")
	kubeConfig := flag.String("kubeconfig", os.Getenv("KUBECONFIG"), "Path to kubeconfig file (empty for in-cluster)")
	listenAddr := flag.String("listen-addr", getEnvOrDefault("LISTEN_ADDR", "0.0.0.0:8000"), "API listen address")
	statusLoopInterval := flag.Int("status-loop-interval", getEnvIntOrDefault("STATUS_LOOP_INTERVAL", 10), "Reconciler tick period in seconds")

	flag.Parse()

	cfg := &config.Config{
		Namespace:             *namespace,
		KubeConfig:            *kubeConfig,
		ListenAddr:            *listenAddr,
		HubRobotUser:          os.Getenv("HUB_ROBOT_USER"),
		HubRobotSecret:        os.Getenv("HUB_ROBOT_SECRET"),
		HubURLCore:            os.Getenv("HUB_URL_CORE"),
		HubURLAuth:            os.Getenv("HUB_URL_AUTH"),
		HTTPProxy:             os.Getenv("PO_HTTP_PROXY"),
		HTTPSProxy:            os.Getenv("PO_HTTPS_PROXY"),
		KeycloakURL:           os.Getenv("KEYCLOAK_URL"),
		KeycloakRealm:         getEnvOrDefault("KEYCLOAK_REALM", "flame"),
		KongAdminURL:          getEnvOrDefault("KONG_ADMIN_URL", "http://flame-node-kong-admin"),
		ResultClientID:        os.Getenv("RESULT_CLIENT_ID"),
		ResultClientSecret:    os.Getenv("RESULT_CLIENT_SECRET"),
		PostgresHost:          os.Getenv("POSTGRES_HOST"),
		PostgresPort:          getEnvIntOrDefault("POSTGRES_PORT", 5432),
		PostgresUser:          os.Getenv("POSTGRES_USER"),
		PostgresPassword:      os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:            os.Getenv("POSTGRES_DB"),
		StatusLoopInterval:    time.Duration(*statusLoopInterval) * time.Second,
		InternalStatusTimeout: time.Duration(getEnvIntOrDefault("INTERNAL_STATUS_TIMEOUT", 10)) * time.Second,
		MaxRestarts:           getEnvIntOrDefault("MAX_RESTARTS", 10),
		ExtraCACerts:          os.Getenv("EXTRA_CA_CERTS"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		SlackWebhookURL:       os.Getenv("SLACK_WEBHOOK_URL"),
		SlackAlertChannel:     os.Getenv("SLACK_ALERT_CHANNEL"),
		MetricsAddr:           os.Getenv("METRICS_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "pod-orchestrator").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		log.Fatalf("Failed to build HTTP client: %v", err)
	}

	kubeClient, err := createKubernetesClient(cfg.KubeConfig)
	if err != nil {
		log.Fatalf("Failed to create kubernetes client: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(cfg.PostgresUser), url.QueryEscape(cfg.PostgresPassword),
		cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := repository.New(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply database schema: %v", err)
	}

	var tokenCache hub.TokenCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		tokenCache = hub.NewRedisTokenCache(rdb)
		log.Printf("[PO] Hub token cache backed by redis at %s", cfg.RedisAddr)
	}

	hubClient := hub.New(hub.Config{
		RobotID:     cfg.HubRobotUser,
		RobotSecret: cfg.HubRobotSecret,
		URLCore:     cfg.HubURLCore,
		URLAuth:     cfg.HubURLAuth,
	}, httpClient, tokenCache)

	broker := credentials.New(credentials.KeycloakConfig{
		BaseURL:           cfg.KeycloakURL,
		Realm:             cfg.KeycloakRealm,
		AdminClientID:     cfg.ResultClientID,
		AdminClientSecret: cfg.ResultClientSecret,
	}, cfg.KongAdminURL, httpClient)

	facade := cluster.New(kubeClient)
	comp := composer.New(facade, broker, hubClient, repo, logger)
	prober := reconciler.NewProber(httpClient, broker, cfg.InternalStatusTimeout, cfg.StatusLoopInterval)
	notifier := notify.New(cfg.SlackWebhookURL, cfg.SlackAlertChannel, logger)
	rec := reconciler.New(repo, comp, facade, hubClient, prober, notifier, cfg.StatusLoopInterval, cfg.MaxRestarts, logger)
	sweeper := cleanup.NewSweeper(repo, facade, broker, comp, cfg.Namespace, logger)

	verifier, err := api.NewOIDCVerifier(ctx, cfg.KeycloakURL, cfg.KeycloakRealm)
	if err != nil {
		log.Fatalf("Failed to initialize OIDC verifier: %v", err)
	}

	alive := func() bool { return ctx.Err() == nil }
	server := api.NewServer(repo, comp, facade, hubClient, sweeper, verifier, cfg.Namespace, alive, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(metrics.All()...)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("[PO] Metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Printf("[PO] Metrics server stopped: %v", err)
			}
		}()
	}

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		log.Printf("[PO] Reconciler ticking every %s", cfg.StatusLoopInterval)
		rec.Run(ctx)
	}()

	go func() {
		log.Printf("[PO] API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[PO] Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[PO] API shutdown: %v", err)
	}

	<-doneChan
	log.Printf("[PO] Stopped")
}
