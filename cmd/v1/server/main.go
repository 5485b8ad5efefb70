// Command server is the signaling service entrypoint: it validates
// configuration, wires every subsystem together, and serves the WebSocket
// upgrade endpoint alongside health and metrics routes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/dispatcher"
	"github.com/flylive/msab/internal/v1/giftchat"
	"github.com/flylive/msab/internal/v1/health"
	"github.com/flylive/msab/internal/v1/housekeeping"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/middleware"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/relay"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/tracing"
	"github.com/flylive/msab/internal/v1/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceName = "msab-signaling"

// poolRef adapts a *worker.Pool set after construction to room.WorkerPool,
// resolving the construction-order cycle between the room manager and the
// worker pool's crash callback.
type poolRef struct{ pool *worker.Pool }

func (p *poolRef) PickWorker() (*worker.Handle, error) { return p.pool.PickWorker() }

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, collectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to init tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	kvClient, err := kv.New(kv.Options{Addr: cfg.KVAddr, Password: cfg.KVPassword})
	if err != nil {
		logging.Fatal(ctx, "failed to connect to KV store", zap.Error(err))
	}
	defer kvClient.Close()

	busClient := redis.NewClient(&redis.Options{Addr: cfg.KVAddr, Password: cfg.KVPassword})
	defer busClient.Close()
	relayClient := redis.NewClient(&redis.Options{Addr: cfg.KVAddr, Password: cfg.KVPassword, DB: cfg.KVBusDB})
	defer relayClient.Close()
	busSvc := bus.New(busClient, relayClient, "flylive:msab:events")
	defer busSvc.Close()

	authValidator := auth.NewValidator(kvClient, cfg.AuthURL, cfg.InternalKey)
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	limiter, err := ratelimit.NewRateLimiter(cfg, kvClient.Raw())
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	reg := registry.New()
	bizClient := bizclient.New(cfg.BizURL, cfg.InternalKey)

	// The room manager needs a WorkerPool at construction time, but the
	// worker pool's crash callback needs the room manager. pr breaks the
	// cycle: it satisfies room.WorkerPool immediately and is pointed at the
	// real pool once NewPool returns.
	pr := &poolRef{}
	roomsMgr := room.NewManager(room.Options{
		Pool:           pr,
		Registry:       reg,
		Bus:            busSvc,
		KV:             kvClient,
		Biz:            bizClient,
		AutoCloseGrace: cfg.AutoCloseGrace,
		ActivityWindow: cfg.ActivitySlideWindow,
	})

	workerBinary := os.Getenv("WORKER_BINARY")
	if workerBinary == "" {
		workerBinary = "mediasoup-worker"
	}
	workerPool, err := worker.NewPool(ctx, worker.Options{
		Binary:       workerBinary,
		Count:        cfg.WorkerCount,
		SpawnBackoff: cfg.WorkerSpawnBackoff,
		MaxBackoff:   cfg.WorkerSpawnMaxBackoff,
		OnCrash: func(workerID string) {
			roomsMgr.CloseRoomsOnWorker(context.Background(), workerID)
		},
	})
	if err != nil {
		logging.Fatal(ctx, "failed to start worker pool", zap.Error(err))
	}
	defer workerPool.Close()
	pr.pool = workerPool

	seatMgr := seat.NewManager(seat.Options{
		KV:       kvClient,
		Bus:      busSvc,
		Rooms:    roomsMgr,
		Biz:      bizClient,
		Registry: reg,
	})

	mediaHandlers := media.New(roomsMgr, reg, busSvc)

	giftHandlers := giftchat.New(giftchat.Options{
		Rooms:         roomsMgr,
		Registry:      reg,
		Bus:           busSvc,
		Biz:           bizClient,
		Limiter:       limiter,
		FlushInterval: cfg.GiftFlushInterval,
		BatchCap:      cfg.GiftBatchCap,
		HighWater:     cfg.GiftQueueHighWater,
	})
	go giftHandlers.Run(ctx)

	disp := dispatcher.New(dispatcher.Options{
		Auth:             authValidator,
		Registry:         reg,
		Rooms:            roomsMgr,
		Seats:            seatMgr,
		Media:            mediaHandlers,
		GiftChat:         giftHandlers,
		Biz:              bizClient,
		Bus:              busSvc,
		SeatDefaultCount: cfg.SeatDefaultCount,
		AllowedOrigins:   allowedOrigins,
	})

	var wg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	disp.Run(runCtx, &wg)

	relaySvc := relay.New(busSvc, reg)
	relaySvc.Run(runCtx, &wg)

	sweeper := housekeeping.New(housekeeping.Options{
		Rooms:    roomsMgr,
		Interval: cfg.HousekeepingSweepInterval,
		Grace:    cfg.AutoCloseGrace,
	})
	go sweeper.Run(runCtx)

	healthHandler := health.NewHandler(kvClient, workerPool)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/ws", disp.ServeWS)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	cancelRun()
	giftHandlers.Shutdown(shutdownCtx)
	wg.Wait()
	logging.Info(ctx, "server exiting")
}
