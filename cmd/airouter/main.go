// Command airouter runs the AI routing gateway: it loads the on-disk
// MachineRecord store, wires the credential/fallback/engine stack, and
// serves the OpenAI-compatible edge surface over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/nodebridge/airouter/internal/api"
	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/credential"
	"github.com/nodebridge/airouter/internal/engine"
	"github.com/nodebridge/airouter/internal/executor"
	"github.com/nodebridge/airouter/internal/executor/cursor"
	"github.com/nodebridge/airouter/internal/fallback"
	"github.com/nodebridge/airouter/internal/logging"
)

func main() {
	var (
		configPath   = flag.String("config", "airouter.yaml", "path to the MachineRecord store file")
		listenAddr   = flag.String("listen", ":8787", "HTTP listen address")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFile      = flag.String("log-file", "", "optional log file path (rotated via lumberjack)")
		serverSecret = flag.String("server-secret", "", "HMAC secret for API key checksums (overrides AIROUTER_SERVER_SECRET)")
		kiroClientID = flag.String("kiro-client-id", "", "Kiro OAuth client id")
	)
	flag.Parse()

	_ = godotenv.Load()
	if err := logging.Setup(logging.Options{Level: *logLevel, FilePath: *logFile}); err != nil {
		fmt.Fprintf(os.Stderr, "airouter: log setup failed: %v\n", err)
		os.Exit(1)
	}

	secret := *serverSecret
	if secret == "" {
		secret = os.Getenv("AIROUTER_SERVER_SECRET")
	}
	if secret == "" {
		log.Fatal("airouter: missing server secret; set -server-secret or AIROUTER_SERVER_SECRET")
	}

	store, err := config.NewFileStore(*configPath)
	if err != nil {
		log.Fatalf("airouter: failed to open config store %s: %v", *configPath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warnf("airouter: close config store: %v", cerr)
		}
	}()

	registry := buildExecutorRegistry(*kiroClientID)
	credManager := credential.NewManager(store, registry)
	fallbackController := fallback.NewController(credManager, store, registry)
	eng := engine.New(store, fallbackController)

	srv := api.NewServer(eng, secret)
	router := gin.New()
	router.Use(gin.Recovery())
	srv.Routes(router)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: router,
	}

	go func() {
		log.Infof("airouter: listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("airouter: server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func buildExecutorRegistry(kiroClientID string) *executor.Registry {
	reg := executor.NewRegistry()

	reg.Register(executor.NewDefaultExecutor("openai", "/v1/chat/completions"))
	reg.Register(executor.NewDefaultExecutor("anthropic", "/v1/messages"))
	reg.Register(executor.NewDefaultExecutor("openrouter", "/v1/chat/completions"))
	reg.Register(executor.NewDefaultExecutor("glm", "/v1/chat/completions"))
	reg.Register(executor.NewDefaultExecutor("kimi", "/v1/chat/completions"))
	reg.Register(executor.NewDefaultExecutor("minimax", "/v1/chat/completions"))

	reg.Register(executor.NewIFlowExecutor())
	reg.Register(executor.NewKiroExecutor(kiroClientID))
	reg.Register(executor.NewCopilotExecutor())
	reg.Register(executor.NewCodexExecutor())
	reg.Register(cursor.NewExecutor())

	projects := executor.NewProjectResolver()
	reg.Register(executor.NewAntigravityExecutor(projects))

	reg.Register(executor.NewCrossProviderExecutor("claude"))

	return reg
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("airouter: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("airouter: shutdown error: %v", err)
	}
}
