package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"crema/backend/config"
	"crema/backend/internal/auth"
	"crema/backend/internal/cache"
	"crema/backend/internal/database"
	"crema/backend/internal/domainctx"
	"crema/backend/internal/domainlog"
	"crema/backend/internal/httpapi"
	"crema/backend/internal/limit"
	"crema/backend/internal/notify"
	"crema/backend/internal/store"
	"crema/backend/internal/ws"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	glog.Infof("config: port=%d mysql=%v redis=%v kafka=%v logs=%s",
		cfg.Running.Port, cfg.Mysql.DSN != "", cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Domain.BasePath)

	logs, err := domainlog.NewStore(cfg.Domain.BasePath)
	if err != nil {
		glog.Fatalf("open domain logs: %v", err)
	}

	// === 目录与快照：配置了 MySQL 就落库，否则全部在内存 ===
	opts := database.Options{Logs: logs, QueueSize: cfg.Push.QueueSize}
	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("Failed to connect to database: %v", err)
		}
		opts.Repo = store.NewMySQLDataBaseRepo(gdb)

		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		snapshots := store.NewSnapshotStore(db)
		if err := snapshots.EnsureSchema(context.Background()); err != nil {
			glog.Fatalf("create snapshot table: %v", err)
		}
		opts.Snapshots = snapshots
	} else {
		glog.Warningf("mysql dsn is empty, catalog and snapshots are kept in memory")
		opts.Repo = database.NewMemoryRepository()
		opts.Snapshots = database.NewMemorySnapshots()
	}

	listeners := domainctx.NewListeners()
	opts.Listeners = listeners

	// === presence：redis 单机或集群 ===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			glog.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		cache.NewPresenceListener(presence, 0).Register(listeners)
	}

	// === Kafka：本地队列 + worker 重试发送 ===
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := notify.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			glog.Fatalf("Failed to connect kafka: %v", err)
		}
		defer closeProducer(producer)
		dispatcher := notify.NewKafkaDispatcher(producer, cfg.Kafka.Topic, limit.NewSemaphore(0), notify.KafkaDispatcherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		// defer 后进先出：dispatcher 先排空，producer 后关闭
		defer dispatcher.Close()
		dispatcher.Register(listeners)
	}

	dataBases := database.New(opts)
	if err := dataBases.Open(context.Background()); err != nil {
		glog.Fatalf("open databases: %v", err)
	}
	defer dataBases.Close()

	hub := ws.NewHub(dataBases, ws.HubOptions{AllowOrigins: cfg.Cors.AllowOrigins, QueueSize: cfg.Push.QueueSize})
	defer hub.Close()

	router := httpapi.NewRouter(httpapi.Deps{
		DataBases:    dataBases,
		Resolver:     auth.NewJWTResolver(cfg.Auth.Secret, cfg.Auth.Issuer),
		Hub:          hub,
		Presence:     presence,
		Sem:          limit.NewSemaphore(cfg.Limit.InFlight),
		SemWait:      cfg.Limit.Wait,
		LockWaitMax:  cfg.Domain.LockWaitMax,
		AllowOrigins: cfg.Cors.AllowOrigins,
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: router}
	go func() {
		glog.Infof("crema server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Infof("shutting down")
	// 先断开推送连接：websocket 被 hijack 之后不受 Shutdown 管理
	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		glog.Warningf("shutdown: %v", err)
	}
}

func closeProducer(p sarama.SyncProducer) {
	if err := p.Close(); err != nil {
		glog.Warningf("close kafka producer: %v", err)
	}
}
