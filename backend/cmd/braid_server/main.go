package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/braid-org/braid-text-sub000/backend/config"
	"github.com/braid-org/braid-text-sub000/backend/internal/admission"
	"github.com/braid-org/braid-text-sub000/backend/internal/cache"
	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
	"github.com/braid-org/braid-text-sub000/backend/internal/httpapi/client"
	"github.com/braid-org/braid-text-sub000/backend/internal/httpapi/handlers"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
	"github.com/braid-org/braid-text-sub000/backend/internal/ws"
)

// splitPeerURL 把 http://host:port/notes 拆成服务地址和远端 key
func splitPeerURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	key = strings.TrimPrefix(key, "braid/")
	if key == "" {
		return "", "", fmt.Errorf("peer url %q has no resource key", raw)
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), key, nil
}

func main() {
	configName := flag.String("config", "braidConfig", "config file name (without .yaml)")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configName)
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	glog.Infof("config: %s", cfg)

	logs, err := store.OpenLogStore(cfg.Store.Dir, store.CaseMode(cfg.Store.CaseInsensitive))
	if err != nil {
		glog.Fatalf("open log store %s: %v", cfg.Store.Dir, err)
	}

	opt := collab.Options{
		Store:                       logs,
		Queue:                       admission.New(cfg.Admission.MaxBytes, cfg.Admission.Timeout),
		PresenceTTL:                 cfg.Collab.PresenceTTL,
		MetaDebounce:                cfg.Meta.Debounce,
		LengthCacheSize:             cfg.Collab.LengthCacheSize,
		ValidateAlreadySeenVersions: cfg.Collab.ValidateAlreadySeenVersions,
	}

	// redis 可选：有地址时负责 presence 和元数据，否则元数据落本地 bolt
	var presence *cache.SubscriberPresence
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			glog.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewSubscriberPresence(rdb)
		opt.Presence = presence
		opt.Meta = cache.NewRedisMetaStore(rdb)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Meta.Path), 0o755); err != nil {
			glog.Fatalf("create meta dir: %v", err)
		}
		meta, err := store.OpenBoltMetaStore(cfg.Meta.Path)
		if err != nil {
			glog.Fatalf("open meta store %s: %v", cfg.Meta.Path, err)
		}
		defer meta.Close()
		opt.Meta = meta
		glog.Infof("redis not configured: presence disabled, metadata in %s", cfg.Meta.Path)
	}

	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("Failed to connect to database: %v", err)
		}
		opt.Snapshots = store.NewSnapshotArchive(db)
	} else {
		glog.Infof("mysql not configured: snapshot archive disabled")
	}

	// === 初始化 Kafka Producer ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			glog.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		opt.Events = dispatcher
	} else {
		glog.Infof("kafka not configured: PUT events disabled")
	}

	svc := collab.NewTextService(opt)
	defer svc.Close()

	manager := ws.NewManager(ws.NewHub(), svc, opt.Presence, collab.NewSemaphoreControl(cfg.Collab.WsConcurrency))
	h := handlers.NewHandler(svc, manager)
	if presence != nil {
		h.Presence = presence
	}
	r := h.Engine(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "PUT", "DELETE", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Version", "Parents", "Peer", "Repr-Digest"},
		ExposeHeaders:   []string{"Content-Length", "Version", "Repr-Digest", "Missing-Versions", "Retry-After"},
		MaxAge:          12 * time.Hour,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range cfg.Peers {
		base, remoteKey, err := splitPeerURL(p.URL)
		if err != nil {
			glog.Fatalf("peer %s: %v", p.Key, err)
		}
		remote, err := client.New(base, remoteKey)
		if err != nil {
			glog.Fatalf("peer %s: %v", p.Key, err)
		}
		ps := collab.NewPeerSync(svc, p.Key, remote)
		go func(key string) {
			if err := ps.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				glog.Errorf("[sync] %s stopped: %v", key, err)
			}
		}(p.Key)
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	glog.Infof("braid server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("listen: %v", err)
	}
}
