package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/chatrelay/bridge/pkg/config"
	"github.com/chatrelay/bridge/pkg/connector/qq"
	"github.com/chatrelay/bridge/pkg/connector/telegram"
	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/forwarder"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/media"
	"github.com/chatrelay/bridge/pkg/retryqueue"
	"github.com/chatrelay/bridge/pkg/router"
	"github.com/chatrelay/bridge/pkg/storage"
	"github.com/chatrelay/bridge/pkg/translate"
)

var logger = log.ForService("cmd")

// ServeCommand creates the serve command, which runs the bridge process:
// both Connection Managers, the Event Router, the Forwarder and the Retry
// Queue, until interrupted.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bridge until interrupted",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		if errors.Is(err, storage.ErrPendingMigrations) {
			return fmt.Errorf("opening store: %w (run 'bridge migrate' first)", err)
		}
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("closing store: %v", err)
		}
	}()

	mediaEngine, err := media.New(cfg.QQ.Proxy.URL())
	if err != nil {
		return fmt.Errorf("building media engine: %w", err)
	}

	translator := translate.New(store, mediaEngine, cfg.ShowRawJSONOnParseFail, cfg.MaxJSONDisplayLength)
	retry := retryqueue.New(store)
	fwd := forwarder.New(store, translator, retry, cfg.ToCoreRoutes())
	r := router.New(store)
	r.OnMessage(fwd.HandleMessage)
	r.OnNotice(fwd.HandleNotice)

	qqConn := qq.New(qq.Config{
		Host:               cfg.QQ.Host,
		Port:               cfg.QQ.Port,
		AccessToken:        cfg.QQ.AccessToken,
		ProxyURL:           cfg.QQ.Proxy.URL(),
		InsecureSkipVerify: cfg.QQ.InsecureSkipVerify,
	})
	qqConn.SetMessageCallback(r.DispatchMessage)
	qqConn.SetNoticeCallback(r.DispatchNotice)
	fwd.RegisterPlatform(coremsg.PlatformQQ, qqConn, qqConn, qqConn)

	tgConn, err := telegram.New(telegram.Config{
		Token:              cfg.Telegram.Token,
		APIHost:            cfg.Telegram.APIHost,
		ProxyURL:           cfg.Telegram.Proxy.URL(),
		InsecureSkipVerify: cfg.Telegram.InsecureSkipVerify,
	})
	if err != nil {
		return fmt.Errorf("building telegram connector: %w", err)
	}
	tgConn.SetMessageCallback(r.DispatchMessage)
	tgConn.SetNoticeCallback(r.DispatchNotice)
	// Telegram has no forward-bundle API of its own, so it is registered
	// with a nil ForwardExpander.
	fwd.RegisterPlatform(coremsg.PlatformTelegram, tgConn, tgConn, nil)

	downloadRetry := func(dctx context.Context, rec coremsg.DownloadRetryRecord) (string, error) {
		return mediaEngine.Download(dctx, rec.URL, rec.LocalPath, rec.UseProxy)
	}
	retry.RegisterDownloadCallback(coremsg.PlatformQQ, downloadRetry)
	retry.RegisterDownloadCallback(coremsg.PlatformTelegram, downloadRetry)

	routeWatcher, err := config.NewRouteWatcher(configPath, fwd.SetRoutes)
	if err != nil {
		logger.Warnf("starting bridge_routes hot-reload watcher: %v", err)
	} else {
		routeWatcher.Start()
		defer routeWatcher.Stop()
	}

	r.Start(ctx)
	defer r.Stop()

	if cfg.EnableRetryQueue {
		retry.Start(ctx)
		defer retry.Stop()
	}

	if err := qqConn.Connect(ctx); err != nil {
		logger.Warnf("initial connect to QQ failed, will keep retrying in background: %v", err)
	}
	defer qqConn.Disconnect()

	if err := tgConn.Connect(ctx); err != nil {
		logger.Warnf("initial connect to Telegram failed, will keep retrying in background: %v", err)
	}
	defer tgConn.Disconnect()

	fmt.Println("Bridge started. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	return nil
}
