package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/yschiang/retry-herd-prevention/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const settingsPrefix = "/herd/settings/"

// SettingsWatcher applies operator overrides published under
// /herd/settings/ in etcd to a running engine:
//
//	rate    — force the controller rate (integer rps)
//	paused  — "true"/"false", suspend or resume claiming
//
// Deleting paused resumes claiming. Deleting rate changes nothing: the
// controller keeps the last forced rate and steers on from it.
type SettingsWatcher struct {
	client *clientv3.Client
	engine *Engine
}

func NewSettingsWatcher(client *clientv3.Client, engine *Engine) *SettingsWatcher {
	return &SettingsWatcher{client: client, engine: engine}
}

// Run loads the current settings snapshot, then watches from the snapshot
// revision so no update between Get and Watch is lost.
func (s *SettingsWatcher) Run(ctx context.Context) {
	resp, err := s.client.Get(ctx, settingsPrefix, clientv3.WithPrefix())
	if err != nil {
		logger.Error("failed to load settings snapshot", zap.Error(err))
		return
	}
	for _, kv := range resp.Kvs {
		s.apply(string(kv.Key), string(kv.Value), false)
	}
	logger.Info("settings snapshot applied", zap.Int64("rev", resp.Header.Revision))

	watchChan := s.client.Watch(ctx, settingsPrefix,
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			logger.Info("settings watcher stopped")
			return
		case wresp := <-watchChan:
			if wresp.Canceled {
				logger.Warn("settings watch canceled", zap.Error(wresp.Err()))
				return
			}
			for _, ev := range wresp.Events {
				s.apply(string(ev.Kv.Key), string(ev.Kv.Value), ev.Type == clientv3.EventTypeDelete)
			}
		}
	}
}

func (s *SettingsWatcher) apply(key, value string, deleted bool) {
	name := strings.TrimPrefix(key, settingsPrefix)
	switch name {
	case "rate":
		if deleted {
			return
		}
		r, err := strconv.Atoi(value)
		if err != nil {
			logger.Warn("ignoring invalid rate override", zap.String("value", value))
			return
		}
		effective := s.engine.Controller().ForceRate(r)
		logger.Info("rate override applied", zap.Int("requested", r), zap.Int("effective", effective))
	case "paused":
		paused := !deleted && value == "true"
		s.engine.Dispatcher().SetPaused(paused)
	default:
		logger.Debug("unknown setting ignored", zap.String("key", key))
	}
}
