package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"slate-api/api"
	"slate-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	projectsTableName := os.Getenv("PROJECTS_TABLE")
	batchQueueName := os.Getenv("BATCH_QUEUE")
	if connStr == "" || tasksTableName == "" || projectsTableName == "" || batchQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTableName, projectsTableName, batchQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 30 * time.Second
	if v := os.Getenv("BOARD_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid BOARD_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(store, rc, cacheTTL)

	lockTTL := 10 * time.Second
	if v := os.Getenv("CONTAINER_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CONTAINER_LOCK_TTL: %v", err)
		}
		lockTTL = d
	}
	locks := storage.NewContainerLocks(rc, lockTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()

	applierPoll := 2 * time.Second
	if v := os.Getenv("APPLIER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid APPLIER_POLL_INTERVAL: %v", err)
		}
		applierPoll = d
	}
	applier := storage.NewBatchApplier(store, cached, locks, logger, applierPoll)
	go applier.Run(context.Background())

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, cached, locks, auth, deduper, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
