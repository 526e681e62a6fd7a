package app

import (
	"context"
	"errors"
	"fmt"

	"chainwatch/internal/alerts"
)

// SimulateOptions describe one alert transition.
type SimulateOptions struct {
	Type    string
	Key     string
	State   alerts.State
	Message string
}

// SimulateAlert 通过配置的 webhook 推送一次告警状态变化。GOOD 会先触发 BAD,
// 以模拟完整的告警恢复流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	dispatcher := a.newDispatcher(nil)
	if dispatcher == nil {
		return errors.New("未配置任何告警 webhook")
	}
	return simulate(ctx, alerts.NewManager(dispatcher, alerts.Options{Rules: a.Config.Alerting.Rules()}, a.Logger, nil), opts)
}

func simulate(ctx context.Context, manager *alerts.Manager, opts SimulateOptions) error {
	if opts.State != alerts.StateBad && opts.State != alerts.StateGood {
		return fmt.Errorf("未知告警状态 %q", opts.State)
	}
	if opts.Type == "" || opts.Key == "" {
		return errors.New("--type 与 --key 必须配置")
	}

	manager.Trigger(ctx, opts.Type, opts.Key, alerts.StateBad, opts.Message)
	if opts.State == alerts.StateGood {
		manager.Trigger(ctx, opts.Type, opts.Key, alerts.StateGood, opts.Message)
	}

	for _, entry := range manager.History(0) {
		if !entry.Delivered {
			return fmt.Errorf("告警 %s/%s (%s) 未送达任何 webhook", entry.Type, entry.Key, entry.State)
		}
	}
	return nil
}
