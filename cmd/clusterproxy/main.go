package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sparkmesh/clusterproxy/internal/cluster"
	"github.com/sparkmesh/clusterproxy/internal/config"
	"github.com/sparkmesh/clusterproxy/internal/proxy"
	"github.com/sparkmesh/clusterproxy/internal/servertools"
	httpclient "github.com/sparkmesh/clusterproxy/pkg/internal/http"
)

func main() {
	cfgPath := os.Getenv("CLUSTER_CONFIG_FILE")
	clusterCfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := cluster.NewManager()
	if err := manager.Initialize(ctx, clusterCfg); err != nil {
		log.Fatalf("cluster: initialization failed: %v", err)
	}
	defer manager.Shutdown()

	searchChain := servertools.DefaultChain(httpclient.NewClient(httpclient.Config{Timeout: 5 * time.Second}))
	server := proxy.NewServer(manager, proxy.DefaultConfig(), searchChain)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8089"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: server.Router(),
	}

	log.Printf("clusterproxy listening on port %s", port)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("clusterproxy: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: graceful shutdown failed: %v", err)
	}
}
