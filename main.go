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

	"github.com/deonneon/ohtani-harada/api"
	"github.com/deonneon/ohtani-harada/autosave"
	"github.com/deonneon/ohtani-harada/domain"
	"github.com/deonneon/ohtani-harada/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	kv := buildKV(logger)

	cfg := storage.Config{}
	if v := os.Getenv("MATRIX_MAX_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Fatalf("invalid MATRIX_MAX_BYTES: %v", v)
		}
		cfg.MaxBytes = n
	}
	if v := os.Getenv("MATRIX_COMPRESS_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Fatalf("invalid MATRIX_COMPRESS_THRESHOLD: %v", v)
		}
		cfg.CompressThreshold = n
	}
	store := storage.New(kv, cfg, logger)

	delay := autosave.DefaultDelay
	if v := os.Getenv("AUTOSAVE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid AUTOSAVE_DELAY: %v", v)
		}
		delay = d
	}
	saver := autosave.New(context.Background(), kv, autosave.Options{
		Delay:   delay,
		Key:     "harada:draft:matrix",
		Enabled: true,
		OnSave: func(value any) {
			m, ok := value.(domain.MatrixData)
			if !ok {
				return
			}
			if err := store.SaveMatrix(context.Background(), m); err != nil {
				logger.WithError(err).Error("debounced save failed")
			}
		},
		OnError: func(err error) {
			logger.WithError(err).Warn("autosave error")
		},
	}, logger)

	auth := buildAuth(logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, store, saver, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

func buildKV(logger *log.Logger) storage.KV {
	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		table := os.Getenv("MATRIX_TABLE")
		if table == "" {
			logger.Fatal("MATRIX_TABLE is required with STORAGE_CONNECTION_STRING")
		}
		kv, err := storage.NewTableKV(connStr, table)
		if err != nil {
			logger.Fatalf("table storage: %v", err)
		}
		return kv
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Fatal("missing storage config: set REDIS_CONNECTION_STRING or STORAGE_CONNECTION_STRING")
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
	return storage.NewRedisKV(redis.NewClient(redisOpts))
}

func buildAuth(logger *log.Logger) *api.Auth {
	if secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); secret != "" {
		return api.NewLocalAuth([]byte(secret))
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domainName := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domainName == "" {
		logger.Fatal("missing auth config: set LOCAL_AUTH_SHARED_SECRET or the AUTH0 variables")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		logger.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domainName+"/")
}
