/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"time"

	"github.com/modelserve-sh/controller/internal/apiserver"
	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/backend/managed"
	"github.com/modelserve-sh/controller/internal/backend/raw"
	"github.com/modelserve-sh/controller/internal/buildinfo"
	"github.com/modelserve-sh/controller/internal/cluster"
	"github.com/modelserve-sh/controller/internal/controller"
	"github.com/modelserve-sh/controller/internal/heartbeat"
	"github.com/modelserve-sh/controller/internal/hooks"
	"github.com/modelserve-sh/controller/internal/hooks/controlplane"
	"github.com/modelserve-sh/controller/internal/hooks/pubsub"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/prober"
	"github.com/modelserve-sh/controller/internal/registry"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// config holds all command-line configuration
type config struct {
	metricsAddr          string
	enableLeaderElection bool
	probeAddr            string
	secureMetrics        bool
	enableHTTP2          bool
	apiAddr              string
	controlPlaneURL      string
	clusterID            string
	pubsubTopic          string
	servingDomain        string
	namespacePrefix      string
	defaultImage         string
	defaultGPUImage      string
	heartbeatInterval    time.Duration
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	cfg := parseFlags()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zap.Options{Development: true})))

	mgr := setupManager(cfg)
	controllerVersion := buildinfo.ControllerVersion()
	resolveClusterID(&cfg)

	// Channels feeding the publisher queues and the controller
	updateChan := make(chan model.StatusUpdate, 100)
	probeEventChan := make(chan model.ProbeEventPayload, 1000)
	probeResultChan := make(chan prober.Result, 100)

	publishers, probePublishers, heartbeatPublishers := setupPublishers(cfg, controllerVersion)
	startPublisherQueues(updateChan, probeEventChan, publishers, probePublishers)

	reg := registry.NewMemory()

	rawAdapter := raw.NewAdapter(mgr.GetClient(), rawConfig(cfg))
	managedAdapter := managed.NewAdapter(mgr.GetClient(), managedConfig(cfg))
	adapters := backend.NewResolver(managedAdapter, rawAdapter)

	endpointController := controller.New(
		controller.DefaultConfig(),
		reg,
		adapters,
		probeResultChan,
		updateChan,
	)
	if err := mgr.Add(endpointController); err != nil {
		setupLog.Error(err, "unable to add endpoint controller")
		os.Exit(1)
	}

	proberConfig := prober.DefaultConfig()
	healthProber := prober.New(
		proberConfig,
		prober.NewHTTPChecker(proberConfig.Timeout),
		reg,
		probeResultChan,
		probeEventChan,
		cfg.clusterID,
		controllerVersion,
	)
	if err := mgr.Add(healthProber); err != nil {
		setupLog.Error(err, "unable to add health prober")
		os.Exit(1)
	}

	apiServer := apiserver.NewServer(cfg.apiAddr, apiserver.NewHandler(endpointController))
	if err := mgr.Add(apiServer); err != nil {
		setupLog.Error(err, "unable to add API server")
		os.Exit(1)
	}

	if len(heartbeatPublishers) > 0 {
		heartbeatConfig := heartbeat.DefaultConfig()
		heartbeatConfig.ClusterID = cfg.clusterID
		heartbeatConfig.ControllerVersion = controllerVersion
		if cfg.heartbeatInterval > 0 {
			heartbeatConfig.Interval = cfg.heartbeatInterval
		}
		sender := heartbeat.NewSender(heartbeatConfig, reg, heartbeatPublishers)
		if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			sender.Start(ctx)
			return nil
		})); err != nil {
			setupLog.Error(err, "unable to add heartbeat sender")
			os.Exit(1)
		}
	}

	setupHealthChecks(mgr)

	setupLog.Info("starting manager", "version", controllerVersion, "clusterID", cfg.clusterID)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&cfg.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&cfg.enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&cfg.secureMetrics, "metrics-secure", false,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.BoolVar(&cfg.enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.StringVar(&cfg.apiAddr, "api-bind-address", ":8082",
		"The address the endpoint lifecycle API binds to.")
	flag.StringVar(&cfg.controlPlaneURL, "controlplane-url", "",
		"The base URL of the ModelServe Control Plane (e.g., http://controlplane:3000/ingest)")
	flag.StringVar(&cfg.clusterID, "cluster-id", os.Getenv("CLUSTER_ID"),
		"Unique identifier for this cluster (e.g., staging.stg01). Auto-detected from cloud metadata when unset.")
	flag.StringVar(&cfg.pubsubTopic, "pubsub-topic", os.Getenv("PUBSUB_TOPIC"),
		"Google Cloud Pub/Sub topic path (projects/<project>/topics/<topic>)")
	flag.StringVar(&cfg.servingDomain, "serving-domain", "serving.example.com",
		"Base domain used to compose serving addresses for raw-backend endpoints")
	flag.StringVar(&cfg.namespacePrefix, "namespace-prefix", "serving-",
		"Prefix of the per-environment namespaces endpoint objects are placed in")
	flag.StringVar(&cfg.defaultImage, "default-runtime-image", "",
		"Runtime image used when a deploy request leaves the image unset")
	flag.StringVar(&cfg.defaultGPUImage, "default-gpu-runtime-image", "",
		"Runtime image used for GPU deployments when the image is unset")
	flag.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 0,
		"Interval between controller heartbeats (0 uses the default)")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	return cfg
}

func setupManager(cfg config) ctrl.Manager {
	var tlsOpts []func(*tls.Config)

	if !cfg.enableHTTP2 {
		disableHTTP2 := func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		}
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   cfg.metricsAddr,
		SecureServing: cfg.secureMetrics,
		TLSOpts:       tlsOpts,
	}

	if cfg.secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: cfg.probeAddr,
		LeaderElection:         cfg.enableLeaderElection,
		LeaderElectionID:       "9ab31cf2.modelserve.sh",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	return mgr
}

// resolveClusterID falls back to the cloud metadata service when no cluster
// ID was configured explicitly.
func resolveClusterID(cfg *config) {
	if cfg.clusterID != "" {
		return
	}

	resolver := cluster.NewResolver(cluster.DefaultConfig())
	info, err := resolver.Resolve(context.Background())
	if err != nil {
		setupLog.Info("Cluster identity not resolved, events will carry an empty cluster ID", "reason", err.Error())
		return
	}
	cfg.clusterID = info.ClusterID
	setupLog.Info("Resolved cluster identity",
		"clusterID", info.ClusterID,
		"provider", info.Provider,
		"region", info.Region,
	)
}

func rawConfig(cfg config) raw.Config {
	c := raw.DefaultConfig()
	c.Domain = cfg.servingDomain
	c.NamespacePrefix = cfg.namespacePrefix
	if cfg.defaultImage != "" {
		c.DefaultImage = cfg.defaultImage
	}
	if cfg.defaultGPUImage != "" {
		c.DefaultGPUImage = cfg.defaultGPUImage
	}
	return c
}

func managedConfig(cfg config) managed.Config {
	c := managed.DefaultConfig()
	c.NamespacePrefix = cfg.namespacePrefix
	return c
}

func setupPublishers(cfg config, controllerVersion string) (
	[]hooks.EventPublisher,
	[]hooks.ProbeEventPublisher,
	[]hooks.HeartbeatPublisher,
) {
	var publishers []hooks.EventPublisher
	var probePublishers []hooks.ProbeEventPublisher
	var heartbeatPublishers []hooks.HeartbeatPublisher

	if cfg.controlPlaneURL != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when controlplane-url is set")
			os.Exit(1)
		}
		cpPublisher := controlplane.NewHTTPPublisher(cfg.controlPlaneURL, cfg.clusterID, controllerVersion)
		publishers = append(publishers, cpPublisher)
		probePublishers = append(probePublishers, cpPublisher)
		heartbeatPublishers = append(heartbeatPublishers, cpPublisher)
		setupLog.Info("Control Plane publisher enabled",
			"endpoint", cfg.controlPlaneURL,
			"clusterID", cfg.clusterID)
	}

	if cfg.pubsubTopic != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when pubsub is enabled")
			os.Exit(1)
		}
		ctx := context.Background()
		pubsubPublisher, err := pubsub.NewPubSubPublisher(ctx, cfg.pubsubTopic, cfg.clusterID, controllerVersion)
		if err != nil {
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via Workload Identity, GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth")
			os.Exit(1)
		}
		publishers = append(publishers, pubsubPublisher)
		setupLog.Info("Google Pub/Sub publisher enabled",
			"topic", cfg.pubsubTopic,
			"clusterID", cfg.clusterID)
	}

	if len(publishers) == 0 {
		setupLog.Info("No event publishers configured, transitions will only be exported as metrics")
	}

	return publishers, probePublishers, heartbeatPublishers
}

func startPublisherQueues(
	updateChan chan model.StatusUpdate,
	probeEventChan chan model.ProbeEventPayload,
	publishers []hooks.EventPublisher,
	probePublishers []hooks.ProbeEventPublisher,
) {
	publisherQueue := hooks.NewEventPublisherQueue(updateChan, publishers)
	go publisherQueue.Loop()

	if len(probePublishers) > 0 {
		batchConfig := hooks.DefaultBatchConfig()
		probePublisherQueue := hooks.NewProbeEventPublisherQueue(probeEventChan, probePublishers, batchConfig)
		go probePublisherQueue.Loop()
		setupLog.Info("Probe event publisher queue started",
			"flushWindow", batchConfig.FlushWindow,
			"maxBatchSize", batchConfig.MaxBatchSize,
		)
	}
}

func setupHealthChecks(mgr ctrl.Manager) {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}
}
