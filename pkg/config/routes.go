package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
)

var logger = log.ForService("config")

// ToCoreRoutes converts the TOML-shaped route table into the coremsg model
// the Forwarder consumes.
func (c *Config) ToCoreRoutes() []coremsg.BridgeRoute {
	routes := make([]coremsg.BridgeRoute, 0, len(c.BridgeRoutes))
	for _, r := range c.BridgeRoutes {
		mode := coremsg.RouteModeGroup
		if r.Mode == string(coremsg.RouteModeTopic) {
			mode = coremsg.RouteModeTopic
		}
		routes = append(routes, coremsg.BridgeRoute{
			QQConversation:       r.QQConversation,
			TelegramConversation: r.TelegramConversation,
			TelegramTopicID:      r.TelegramTopicID,
			Mode:                 mode,
			ShowSenderQQToTG:     r.ShowSenderQQToTG,
			ShowSenderTGToQQ:     r.ShowSenderTGToQQ,
		})
	}
	return routes
}

// RouteWatcher watches the configuration file on disk and invokes onChange
// with the freshly reloaded route table whenever bridge_routes changes,
// without touching the connection settings a running Connector already
// holds: a watch-and-debounce loop narrowed to reload only the route table
// rather than the whole process's wiring.
type RouteWatcher struct {
	configPath string
	onChange   func([]coremsg.BridgeRoute)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRouteWatcher builds a watcher for configPath. Start must be called to
// begin watching.
func NewRouteWatcher(configPath string, onChange func([]coremsg.BridgeRoute)) (*RouteWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", configPath, err)
	}
	return &RouteWatcher{configPath: configPath, onChange: onChange, watcher: watcher}, nil
}

// Start runs the watch loop in the background until Stop is called.
func (w *RouteWatcher) Start() {
	w.done = make(chan struct{})
	go w.run()
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *RouteWatcher) Stop() {
	_ = w.watcher.Close()
	<-w.done
}

func (w *RouteWatcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}

			// Editors often replace the file atomically; give the write a
			// moment to land before re-reading it.
			time.Sleep(100 * time.Millisecond)
			if _, err := os.Stat(w.configPath); os.IsNotExist(err) {
				continue
			}
			if event.Has(fsnotify.Rename) {
				if err := w.watcher.Add(w.configPath); err != nil {
					logger.Warnf("re-adding %s to watcher after rename: %v", w.configPath, err)
				}
			}

			cfg, err := LoadConfig(w.configPath)
			if err != nil {
				logger.Warnf("reloading %s: %v", w.configPath, err)
				continue
			}
			logger.Infof("reloaded bridge_routes from %s (%d routes)", w.configPath, len(cfg.BridgeRoutes))
			w.onChange(cfg.ToCoreRoutes())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
