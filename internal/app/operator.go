package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loop-agent/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

// startOperator polls the Telegram bot for operator commands: /pause and
// /resume toggle automatic deleveraging, /status and /positions report state.
// Commands only pause automation; they never submit transactions.
func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowed, a.cfg.Telegram.OperatorPollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowed map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !a.operatorWarned {
				a.log.Warn("telegram operator poll failed", zap.Error(err))
				a.operatorWarned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowed)
		}
		if len(updates) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowed map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowed) > 0 {
		if _, ok := allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp := a.runOperatorCommand(cmd)
	a.log.Info("operator command",
		zap.String("command", cmd),
		zap.Int64("user_id", msg.From.ID),
		zap.String("username", msg.From.Username))
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func (a *App) runOperatorCommand(cmd string) string {
	switch cmd {
	case "pause":
		a.monitor.SetPaused(true)
		return "automatic deleveraging paused"
	case "resume":
		a.monitor.SetPaused(false)
		return "automatic deleveraging resumed"
	case "status":
		mode := "watch-only"
		if a.signer != nil {
			mode = "signing"
		}
		return fmt.Sprintf("mode=%s open_positions=%d", mode, len(a.positions.OpenPositions()))
	case "positions":
		open := a.positions.OpenPositions()
		if len(open) == 0 {
			return "no open positions"
		}
		var b strings.Builder
		for _, pos := range open {
			fmt.Fprintf(&b, "%s %s collateral=%s debt=%s health=%.4f\n",
				pos.UserID, pos.Market.Key(), pos.CurrentCollateral, pos.CurrentDebt, pos.HealthFactor())
		}
		return strings.TrimRight(b.String(), "\n")
	default:
		return ""
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, true
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	value, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset persist failed", zap.Error(err))
	}
}
