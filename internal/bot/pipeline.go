package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// ============================================================
// Вход сигнала
// ============================================================

// SubmitSignal проверяет сигнал и проводит его через шлюз.
// Ошибка ввода возвращается как *models.ValidationError.
func (e *Engine) SubmitSignal(ctx context.Context, sig models.Signal) (Decision, error) {
	sig = sig.Normalized()
	settings := e.settings.Current()

	if err := sig.Validate(e.now(), settings.SignalMaxAge()); err != nil {
		RecordSignal("invalid")
		return nil, err
	}
	if !e.running.Load() {
		return nil, ErrNotRunning
	}
	if !e.trading.Load() {
		return e.finishSignal(sig, reject(ReasonTradingStopped, "trading is stopped by operator"), nil)
	}

	decision, err := e.gate.Submit(ctx, sig)
	return e.finishSignal(sig, decision, err)
}

func (e *Engine) finishSignal(sig models.Signal, d Decision, err error) (Decision, error) {
	log := e.log.With(utils.SignalID(sig.ID), utils.Symbol(sig.Symbol), utils.String("direction", string(sig.Direction)))
	if err != nil {
		RecordSignal("error")
		log.Error("signal failed", utils.Err(err))
		return d, err
	}
	switch v := d.(type) {
	case Accepted:
		RecordSignal(string(v.Outcome))
		log.Info("signal accepted", utils.String("outcome", string(v.Outcome)), utils.Int("orders", len(v.Orders)))
		e.sink.BroadcastEvent("signal", map[string]interface{}{"signal": sig, "decision": v})
	case Rejected:
		RecordSignal("rejected")
		log.Info("signal rejected", utils.Rule(string(v.Reason)), utils.String("detail", v.Detail))
	}
	return d, nil
}

// pipeline - решение по сигналу под секцией символа:
// пороги → цена → выход/разворот → риск → автомат → исполнение → портфель
func (e *Engine) pipeline(ctx context.Context, sig models.Signal) (Decision, error) {
	// снимок настроек держится до конца решения
	settings := e.settings.Current()

	if d, ok := e.risk.CheckThresholds(sig, settings).(Reject); ok {
		return reject(d.Rule, d.Detail), nil
	}

	price, ok := e.prices.LastPrice(sig.Symbol)
	if !ok {
		return reject(ReasonNoPrice, "no market price for "+sig.Symbol), nil
	}

	side, opening := sig.Direction.PositionSide()
	if !opening {
		return e.exitSymbol(ctx, sig)
	}

	opposite, hasOpposite := e.portfolio.PositionFor(sig.Symbol, side.Opposite())
	if hasOpposite {
		if !settings.ReversalEnabled {
			return reject(ReasonOppositePosition,
				fmt.Sprintf("%s %s is open and reversal is disabled", sig.Symbol, opposite.Side)), nil
		}
		return e.reverse(ctx, sig, side, opposite, price, settings)
	}

	params, rej, err := e.evaluate(ctx, sig, side, price, settings, "")
	if err != nil || rej != nil {
		return rejectedOrNil(rej), err
	}
	release, err := e.breaker.Allow()
	if err != nil {
		return reject(ReasonBreakerOpen, err.Error()), nil
	}
	defer release()

	_, increasing := e.portfolio.PositionFor(sig.Symbol, side)
	acc, rejected, err := e.open(ctx, sig, params)
	if err != nil || rejected != nil {
		return rejectedOrNil(rejected), err
	}
	if increasing && acc.Outcome == OutcomeOpened {
		acc.Outcome = OutcomeIncreased
	}
	return *acc, nil
}

// evaluate собирает вход риск-менеджера из текущего портфеля.
// exclude - позиция, закрываемая разворотом, в расчёт не идёт.
func (e *Engine) evaluate(ctx context.Context, sig models.Signal, side models.PositionSide, price float64, settings models.Settings, exclude string) (OrderParams, *Rejected, error) {
	limits, err := e.symbolLimits(ctx, sig.Symbol)
	if err != nil {
		return OrderParams{}, nil, err
	}

	view := e.portfolio.Snapshot()
	positions := make([]*models.Position, 0, len(view.Positions))
	equity := view.Equity
	for i := range view.Positions {
		pv := view.Positions[i]
		if pv.ID == exclude {
			continue
		}
		p := pv.Position
		positions = append(positions, &p)
	}

	decision := e.risk.Evaluate(RiskInput{
		Signal:    sig,
		Side:      side,
		Portfolio: view.Portfolio,
		Equity:    equity,
		Positions: positions,
		Price:     price,
		Limits:    limits,
		Settings:  settings,
		Now:       e.now(),
	})

	switch d := decision.(type) {
	case Approve:
		return d.Params, nil, nil
	case Reject:
		if d.Rule == RuleDailyLossLimit {
			e.notifyDailyLimit(d.Detail)
		}
		r := reject(d.Rule, d.Detail)
		return OrderParams{}, &r, nil
	default:
		panic(fmt.Sprintf("bot: unhandled risk decision %T", decision))
	}
}

// reverse закрывает встречную позицию и открывает новую.
// При ReversalRiskChecked риск проверяется до закрытия; иначе закрытие
// безусловно, а проверку проходит только новая нога.
func (e *Engine) reverse(ctx context.Context, sig models.Signal, side models.PositionSide, opposite *models.Position, price float64, settings models.Settings) (Decision, error) {
	var params OrderParams
	if settings.ReversalRiskChecked {
		p, rej, err := e.evaluate(ctx, sig, side, price, settings, opposite.ID)
		if err != nil || rej != nil {
			return rejectedOrNil(rej), err
		}
		release, err := e.breaker.Allow()
		if err != nil {
			return reject(ReasonBreakerOpen, err.Error()), nil
		}
		defer release()
		params = p
	}

	closeRes, err := e.closePosition(ctx, opposite, models.CloseReasonReversal, sig.ID+":reverse")
	if err != nil {
		return closeFailed(err)
	}
	acc := Accepted{Outcome: OutcomeReversed, Orders: []*models.Order{closeRes.Order}}
	if closeRes.Delta != nil {
		acc.Deltas = append(acc.Deltas, *closeRes.Delta)
	}
	if closeRes.Order.Status != models.OrderStatusFilled {
		// встречная позиция не закрыта целиком: новую ногу не открываем
		acc.Outcome = OutcomePending
		return acc, nil
	}

	if !settings.ReversalRiskChecked {
		p, rej, err := e.evaluate(ctx, sig, side, price, settings, "")
		if err != nil {
			return acc, err
		}
		if rej != nil {
			acc.Outcome = OutcomeClosed
			acc.OpenRejected = rej
			return acc, nil
		}
		release, err := e.breaker.Allow()
		if err != nil {
			acc.Outcome = OutcomeClosed
			r := reject(ReasonBreakerOpen, err.Error())
			acc.OpenRejected = &r
			return acc, nil
		}
		defer release()
		params = p
	}

	opened, rejected, err := e.open(ctx, sig, params)
	if err != nil {
		return acc, err
	}
	if rejected != nil {
		acc.Outcome = OutcomeClosed
		acc.OpenRejected = rejected
		return acc, nil
	}
	acc.Orders = append(acc.Orders, opened.Orders...)
	acc.Deltas = append(acc.Deltas, opened.Deltas...)
	if opened.Outcome == OutcomePending {
		acc.Outcome = OutcomePending
	}
	return acc, nil
}

// exitSymbol - сигнал flat: закрыть позиции символа без риск-проверки
func (e *Engine) exitSymbol(ctx context.Context, sig models.Signal) (Decision, error) {
	var acc Accepted
	acc.Outcome = OutcomeClosed
	for _, side := range []models.PositionSide{models.PositionLong, models.PositionShort} {
		pos, ok := e.portfolio.PositionFor(sig.Symbol, side)
		if !ok {
			continue
		}
		res, err := e.closePosition(ctx, pos, models.CloseReasonSignal, sig.ID)
		if err != nil {
			return closeFailed(err)
		}
		acc.Orders = append(acc.Orders, res.Order)
		if res.Delta != nil {
			acc.Deltas = append(acc.Deltas, *res.Delta)
		}
		if res.Order.Status != models.OrderStatusFilled {
			acc.Outcome = OutcomePending
		}
	}
	if len(acc.Orders) == 0 {
		return reject(ReasonNothingToClose, "no open position on "+sig.Symbol), nil
	}
	return acc, nil
}

// ============================================================
// Исполнение
// ============================================================

// open отправляет входной ордер и применяет исполнение к портфелю
func (e *Engine) open(ctx context.Context, sig models.Signal, params OrderParams) (*Accepted, *Rejected, error) {
	req := models.OrderRequest{
		SignalID:        sig.ID,
		Symbol:          sig.Symbol,
		Side:            params.Side,
		Kind:            models.MarketOrder{},
		Quantity:        params.Quantity,
		Leverage:        params.Leverage,
		RefPrice:        params.RefPrice,
		StopLoss:        params.StopLoss,
		TakeProfit:      params.TakeProfit,
		TrailingStopPct: params.TrailingStopPct,
	}

	o, delta, err := e.execute(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			r := reject(ReasonDuplicateSignal, err.Error())
			return nil, &r, nil
		}
		return nil, nil, err
	}

	switch o.Status {
	case models.OrderStatusRejected:
		r := reject(ReasonOrderRejected, o.Reason)
		return nil, &r, nil
	case models.OrderStatusCancelled:
		r := reject(ReasonOrderRejected, "cancelled: "+o.Reason)
		return nil, &r, nil
	}

	acc := &Accepted{Outcome: OutcomeOpened, Orders: []*models.Order{o}}
	if delta != nil {
		acc.Deltas = []models.PositionDelta{*delta}
		e.notifier.Notify(models.NotificationTypeOpen, models.SeverityInfo, o.Symbol,
			fmt.Sprintf("%s %s %v @ %v", strings.ToUpper(string(o.Side)), o.Symbol, o.FilledQty, o.AvgFillPrice),
			map[string]interface{}{"signal_id": sig.ID, "position_id": delta.Position.ID})
	}
	if o.Status != models.OrderStatusFilled {
		acc.Outcome = OutcomePending
	}
	return acc, nil, nil
}

// closeResult - итог закрывающего ордера
type closeResult struct {
	Order *models.Order
	Delta *models.PositionDelta
}

// maxCloseAttempts - сколько раз закрытие пробуется заново после отказа
const maxCloseAttempts = 5

// closePosition закрывает позицию reduce-only ордером. Вызывающий держит
// секцию символа. Закрытие не проходит через автомат отключения.
//
// Ключ идемпотентности - id сигнала, а без сигнала - позиция и причина:
// повторное срабатывание стопа не отправит второй ордер. Если прошлая
// попытка с тем же ключом отклонена или отменена, берётся следующий номер.
func (e *Engine) closePosition(ctx context.Context, pos *models.Position, reason models.CloseReason, signalID string) (*closeResult, error) {
	price, ok := e.prices.LastPrice(pos.Symbol)
	if !ok {
		price = pos.EntryPrice
	}

	for attempt := 0; attempt < maxCloseAttempts; attempt++ {
		key := signalID
		if key == "" {
			key = fmt.Sprintf("close:%s:%s", pos.ID, reason)
		}
		if attempt > 0 {
			key = fmt.Sprintf("%s#%d", key, attempt)
		}

		req := models.OrderRequest{
			SignalID:    key,
			Symbol:      pos.Symbol,
			Side:        pos.Side.CloseSide(),
			Kind:        models.MarketOrder{},
			Quantity:    pos.Quantity,
			Leverage:    pos.Leverage,
			ReduceOnly:  true,
			RefPrice:    price,
			CloseReason: reason,
			PositionID:  pos.ID,
		}

		o, delta, err := e.execute(ctx, req)
		if errors.Is(err, ErrDuplicateOrder) {
			prev, lerr := e.ledger.GetByClientOrderID(ctx, models.ClientOrderID(req.Symbol, req.Side, key))
			if lerr != nil {
				return nil, lerr
			}
			// отклонённая или отменённая попытка: следующий ключ
			if !IsOpenStatus(prev.Status) && prev.Status != models.OrderStatusFilled {
				continue
			}
			if signalID != "" {
				return nil, err
			}
			// закрытие уже в работе
			return &closeResult{Order: prev}, nil
		}
		if err != nil {
			return nil, err
		}

		if o.Status == models.OrderStatusRejected || o.Status == models.OrderStatusCancelled {
			return &closeResult{Order: o}, fmt.Errorf("%w: close %s: %s %s", ErrOrderNotFilled, pos.ID, o.Status, o.Reason)
		}
		if delta != nil && delta.Trade != nil {
			t := delta.Trade
			e.notifier.Notify(models.NotificationTypeClose, models.SeverityInfo, t.Symbol,
				fmt.Sprintf("closed %s %s (%s) pnl %.2f", t.Side, t.Symbol, t.CloseReason, t.RealizedPnL),
				map[string]interface{}{"position_id": t.PositionID, "trade_id": t.ID})
		}
		return &closeResult{Order: o, Delta: delta}, nil
	}
	return nil, fmt.Errorf("%w: close %s: %d attempts rejected", ErrOrderNotFilled, pos.ID, maxCloseAttempts)
}

// execute отправляет ордер через исполнителя и применяет исполненную
// часть к портфелю. Вызывающий держит секцию символа.
func (e *Engine) execute(ctx context.Context, req models.OrderRequest) (*models.Order, *models.PositionDelta, error) {
	cid, added := e.requests.Put(req)
	o, err := e.executor.Execute(ctx, req)
	if err != nil {
		// дубликат: запрос первой попытки нужен сверке для стопов
		if o == nil && added {
			e.requests.Forget(cid)
		}
		return o, nil, err
	}
	e.sink.BroadcastEvent("order", o)

	switch o.Status {
	case models.OrderStatusFilled, models.OrderStatusRejected, models.OrderStatusCancelled:
		defer e.requests.Forget(cid)
	}

	if o.FilledQty <= qtyEpsilon {
		return o, nil, nil
	}
	fill := models.FillFromOrder(o, &req)
	delta, err := e.portfolio.Apply(ctx, fill)
	if err != nil {
		// брокер исполнил, а портфель не принял: расхождение исправит сверка
		e.reconciler.Schedule(models.TriggerUnknownOrder)
		return o, nil, fmt.Errorf("apply fill of %s: %w", o.ClientOrderID, err)
	}
	e.sink.BroadcastEvent("position", delta)
	if delta.Trade != nil {
		e.sink.BroadcastEvent("trade", delta.Trade)
	}
	return o, &delta, nil
}

// closeFailed переводит ошибку закрытия в отказ, если брокер ордер не принял
func closeFailed(err error) (Decision, error) {
	switch {
	case errors.Is(err, ErrDuplicateOrder):
		return reject(ReasonDuplicateSignal, err.Error()), nil
	case errors.Is(err, ErrOrderNotFilled):
		return reject(ReasonOrderRejected, err.Error()), nil
	default:
		return nil, err
	}
}

func rejectedOrNil(r *Rejected) Decision {
	if r == nil {
		return nil
	}
	return *r
}

// notifyDailyLimit - алерт о дневном лимите, не чаще раза в торговый день
func (e *Engine) notifyDailyLimit(detail string) {
	day := utils.GetDayStartFrom(e.now())
	e.dailyLimitMu.Lock()
	first := !e.dailyLimitDay.Equal(day)
	e.dailyLimitDay = day
	e.dailyLimitMu.Unlock()
	if first {
		e.notifier.Notify(models.NotificationTypeDailyLimit, models.SeverityWarn, "",
			"daily loss limit reached, new entries blocked until next trading day: "+detail, nil)
	}
}
