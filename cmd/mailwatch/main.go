// Command mailwatch polls the applications inbox and queues email
// application jobs. A flock on MAIL_LOCK_PATH keeps it single-instance
// per host; a second copy exits cleanly.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"

	imapadapter "github.com/fairyhunter13/cv-match-engine/internal/adapter/mail/imap"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/objectstore"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/cv-match-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/service/mailingest"
)

const (
	exitConfig = 2
	exitDep    = 3
	exitFatal  = 4
)

// splitIMAPAddr accepts "host" or "host:port". Port 0 lets the adapter
// default to 993 with TLS.
func splitIMAPAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0, nil //nolint:nilerr // bare hostname
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	lock, err := mailingest.AcquireFileLock(cfg.MailLockPath)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("another mailwatch instance holds the lock, exiting")
			return
		}
		slog.Error("lock acquisition failed", slog.Any("error", err))
		os.Exit(exitFatal)
	}
	defer func() { _ = lock.Release() }()

	host, port, err := splitIMAPAddr(cfg.IMAPAddr)
	if err != nil {
		slog.Error("invalid IMAP_ADDR", slog.String("addr", cfg.IMAPAddr), slog.Any("error", err))
		os.Exit(exitConfig)
	}
	mailbox, err := imapadapter.New(imapadapter.Config{
		Host:     host,
		Port:     port,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		UseTLS:   port != 143,
		Folder:   cfg.IMAPFolder,
	})
	if err != nil {
		slog.Error("imap client init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	defer pool.Close()

	blobs, err := objectstore.NewFS(cfg.BlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	producer, err := redpanda.NewProducerWithTransactionalID(
		cfg.KafkaBrokers, "cv-match-engine-mailwatch-producer",
		postgres.NewJobRepo(pool), cfg.QueueDepthMax, cfg.IdemWindow)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(exitDep)
	}
	producer.SetMemoryHighWater(cfg.MemHighPct)
	defer func() { _ = producer.Close() }()

	processed, err := mailingest.OpenProcessedLog(cfg.MailProcessedPath)
	if err != nil {
		slog.Error("processed log open failed", slog.Any("error", err))
		os.Exit(exitFatal)
	}
	defer func() { _ = processed.Close() }()

	ingestor, err := mailingest.New(mailbox, postgres.NewPostingRepo(pool), blobs, producer, processed)
	if err != nil {
		slog.Error("ingestor init failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	sched := cron.New()
	if _, err := sched.AddFunc("@every "+cfg.MailPollInterval.String(), func() {
		if err := ingestor.Poll(ctx); err != nil {
			slog.Error("mailbox poll failed", slog.Any("error", err))
		}
	}); err != nil {
		slog.Error("poll schedule failed", slog.Any("error", err))
		os.Exit(exitConfig)
	}

	slog.Info("mailwatch starting",
		slog.String("imap_host", host),
		slog.String("folder", cfg.IMAPFolder),
		slog.Duration("poll_interval", cfg.MailPollInterval))

	if err := ingestor.Poll(ctx); err != nil {
		slog.Error("initial mailbox poll failed", slog.Any("error", err))
	}
	sched.Start()

	<-ctx.Done()
	<-sched.Stop().Done()
	slog.Info("mailwatch stopped")
}
