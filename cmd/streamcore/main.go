// streamcore serves execution-event streaming for a distributed workflow
// execution engine: PostgreSQL-backed durable append log, NOTIFY/LISTEN
// fan-out, and a small HTTP surface for health and pool diagnostics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/streamcore/pkg/cleanup"
	"github.com/codeready-toolchain/streamcore/pkg/eventbus"
	"github.com/codeready-toolchain/streamcore/pkg/store"
	"github.com/codeready-toolchain/streamcore/pkg/stream"
	"github.com/codeready-toolchain/streamcore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envPath := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "debug")
	gin.SetMode(ginMode)

	log.Printf("Starting %s", version.Full())
	log.Printf("HTTP port: %s", httpPort)

	ctx := context.Background()

	storeCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load store config: %v", err)
	}

	st, err := store.NewStore(ctx, storeCfg)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()
	log.Println("Connected to PostgreSQL store")

	streamCfg := stream.DefaultConfig()
	pool := stream.NewPool(storeCfg.DSN(), st, streamCfg)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start notification listener pool: %v", err)
	}
	defer pool.Close(context.Background())
	log.Printf("Notification listener pool started (size=%d)", streamCfg.PoolSize)

	subscriber := stream.NewSubscriber(pool, st)
	bridge := stream.NewBridge(subscriber, streamCfg)
	bus := eventbus.NewBus(bridge, pool)
	defer bus.Close(context.Background())

	cleanupSvc := cleanup.NewService(cleanup.DefaultConfig(), st)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()
	log.Println("Retention sweep started")

	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health, err := st.Health(reqCtx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"store":  health,
				"error":  err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"store":   health,
			"version": version.Full(),
		})
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Stats())
	})

	log.Printf("HTTP server listening on :%s", httpPort)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
