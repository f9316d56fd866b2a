package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/google/uuid"

	"github.com/karaoke-night-system/internal/api"
	"github.com/karaoke-night-system/internal/auth"
	"github.com/karaoke-night-system/internal/catalog"
	"github.com/karaoke-night-system/internal/engine"
	"github.com/karaoke-night-system/internal/playback"
	"github.com/karaoke-night-system/internal/player"
	"github.com/karaoke-night-system/internal/queue"
	"github.com/karaoke-night-system/internal/selector"
	"github.com/karaoke-night-system/internal/ws"
	"github.com/karaoke-night-system/pkg/database"
	"github.com/karaoke-night-system/pkg/events"
	"github.com/karaoke-night-system/pkg/redis"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		zlog.Warn().Msg(".env file not found")
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("ENV") != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// MySQL: media catalog + persisted playlist state
	db, err := database.NewMySQLDB(
		os.Getenv("MYSQL_HOST"),
		os.Getenv("MYSQL_PORT"),
		os.Getenv("MYSQL_USER"),
		os.Getenv("MYSQL_PASSWORD"),
		os.Getenv("MYSQL_DATABASE"),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Redis: sessions, quotas, vote dedup
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     os.Getenv("REDIS_HOST") + ":" + os.Getenv("REDIS_PORT"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})
	sessions := redis.NewSessionStore(redisClient, 12*time.Hour)

	// Domain event bus + optional Kafka relay
	bus := events.NewBus(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		relay := events.NewKafkaRelay(strings.Split(brokers, ","), "karaoke-events", log)
		defer relay.Close()
		go relay.Run(ctx, bus.Subscribe())
	}

	// Core: catalog, queue store, playback controller, engine
	policy := policyFromEnv()
	cat, err := catalog.NewDBCatalog(db, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load media catalog")
	}

	quota := func(ctx context.Context, userID, playlistID uuid.UUID) (int, error) {
		return sessions.SongsSubmittedThisSession(ctx, userID.String(), playlistID.String())
	}
	store := queue.NewStore(queue.Config{
		QuotaPerUser:        envInt("QUOTA_PER_USER", 2),
		FreeUpvoteThreshold: envInt("FREE_UPVOTE_THRESHOLD", 5),
	}, cat, quota)

	driver := player.NewMPV(envOr("MPV_SOCKET", "/tmp/karaoke-mpv.sock"), log)
	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := driver.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatal().Err(err).Msg("failed to connect to mpv")
	}
	connectCancel()
	defer driver.Close()

	controller := playback.NewController(store, cat, driver, bus, playback.Config{
		Policy:      policy,
		LoadTimeout: time.Duration(envInt("LOAD_TIMEOUT_SECONDS", 10)) * time.Second,
		AutoRestart: os.Getenv("PLAYER_AUTO_RESTART") == "true",
	}, log)
	go controller.Run(ctx)

	eng := engine.New(store, controller, bus, sessions, db, log)
	if err := eng.LoadState(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load playlist state")
	}

	// HTTP + WebSocket transport
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(envOr("CORS_ORIGINS", "http://localhost:5173"), ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	authHandler := auth.NewHandler(db, sessions, envOr("HOST_NAME", "host"))
	authHandler.RegisterRoutes(v1)

	hub := ws.NewHub(eng, log)
	go hub.Run(ctx, bus.Subscribe())

	protected := v1.Group("/")
	protected.Use(auth.AuthMiddleware(sessions))
	{
		api.NewHandler(eng).RegisterRoutes(protected)
		protected.GET("/ws", hub.HandleWebSocket)
	}

	srv := &http.Server{
		Addr:    ":" + envOr("PORT", "8080"),
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Graceful shutdown: stop transport, stop playback, persist playlists.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	cancel()
	if err := eng.SaveState(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to save playlist state")
	}
	bus.Close()
}

func policyFromEnv() selector.Policy {
	return selector.Policy{
		JingleInterval:    envInt("JINGLE_INTERVAL", 0),
		SponsorInterval:   envInt("SPONSOR_INTERVAL", 0),
		IntroDuration:     envInt("INTRO_DURATION", 0),
		OutroDuration:     envInt("OUTRO_DURATION", 0),
		EncoreEnabled:     os.Getenv("ENCORE_ENABLED") == "true",
		EncoreProbability: envFloat("ENCORE_PROBABILITY", 0.5),
		RepeatPlaylist:    os.Getenv("REPEAT_PLAYLIST") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
