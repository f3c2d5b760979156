package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/pkg/utils"
)

// qtyEpsilon - остаток объёма, который считается нулём
const qtyEpsilon = 1e-9

// ErrReduceBeyondZero - сокращение больше открытого объёма (разворот - это явные close + open)
var ErrReduceBeyondZero = errors.New("reducing fill exceeds position size")

// PriceSource - последняя цена символа
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// PortfolioStore - позиции и агрегаты портфеля одного режима
//
// Единственный писатель на символ обеспечивает секция SignalGate; агрегаты
// портфеля (баланс, дневной PnL, серия убытков) под одним мьютексом.
// Запись сквозная: каждое изменение сразу уходит в репозитории.
//
// Учёт баланса совпадает с бумажной площадкой: комиссия списывается при
// каждом исполнении, валовый PnL зачисляется при сокращении позиции.
// RealizedPnL сделки чистый (за вычетом комиссий входа и выхода).
type PortfolioStore struct {
	mu        sync.Mutex
	portfolio models.Portfolio
	positions map[string]*models.Position

	repos    Stores
	prices   PriceSource
	settings SettingsProvider
	log      *utils.Logger
	now      func() time.Time
}

func NewPortfolioStore(mode models.TradingMode, repos Stores, prices PriceSource, settings SettingsProvider, log *utils.Logger) *PortfolioStore {
	if log == nil {
		log = utils.L()
	}
	return &PortfolioStore{
		portfolio: models.Portfolio{Mode: mode},
		positions: make(map[string]*models.Position),
		repos:     repos,
		prices:    prices,
		settings:  settings,
		log:       log.WithComponent("portfolio"),
		now:       time.Now,
	}
}

// ============================================================
// Восстановление
// ============================================================

// Rebuild заново загружает портфель и позиции из репозиториев.
// Используется при старте и после паники под блокировкой.
func (s *PortfolioStore) Rebuild(ctx context.Context, initialBalance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	mode := s.portfolio.Mode

	p, err := s.repos.Portfolio.Get(ctx)
	switch {
	case errors.Is(err, repository.ErrPortfolioNotFound):
		p = &models.Portfolio{
			Mode:             mode,
			Balance:          initialBalance,
			DayStart:         utils.GetDayStartFrom(now),
			EquityAtDayStart: initialBalance,
			UpdatedAt:        now,
		}
		if err := s.repos.Portfolio.Save(ctx, p); err != nil {
			return fmt.Errorf("save initial portfolio: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load portfolio: %w", err)
	}

	positions, err := s.repos.Positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	s.portfolio = p.Clone()
	s.portfolio.Mode = mode
	s.positions = make(map[string]*models.Position, len(positions))
	for _, pos := range positions {
		s.positions[pos.ID] = pos.Clone()
	}

	if rolled := s.rollLocked(now); rolled {
		if err := s.savePortfolioLocked(ctx); err != nil {
			return err
		}
	}

	s.log.Info("portfolio loaded",
		utils.Mode(string(mode)),
		utils.Float64("balance", s.portfolio.Balance),
		utils.Int("positions", len(s.positions)),
		utils.PNL(s.portfolio.DailyRealizedPnL),
	)
	s.updateGaugesLocked()
	return nil
}

// ============================================================
// Применение исполнений
// ============================================================

// Apply применяет исполнение: открывает, увеличивает или сокращает позицию.
// Сокращающее исполнение сверх объёма позиции отклоняется.
func (s *PortfolioStore) Apply(ctx context.Context, fill models.Fill) (models.PositionDelta, error) {
	if fill.Quantity <= qtyEpsilon {
		return models.PositionDelta{}, fmt.Errorf("fill %s: quantity must be positive", fill.OrderID)
	}
	if fill.Price <= 0 {
		return models.PositionDelta{}, fmt.Errorf("fill %s: price must be positive", fill.OrderID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := fill.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	s.rollLocked(at)

	if fill.ReduceOnly {
		pos := s.reduceTargetLocked(fill)
		if pos == nil {
			return models.PositionDelta{}, fmt.Errorf("%w: no %s position on %s to reduce", ErrPositionNotFound, models.SideFromOrder(fill.Side).Opposite(), fill.Symbol)
		}
		return s.reduceLocked(ctx, pos, fill, at)
	}

	side := models.SideFromOrder(fill.Side)
	if pos := s.findLocked(fill.Symbol, side); pos != nil {
		return s.increaseLocked(ctx, pos, fill, at)
	}
	if opp := s.findLocked(fill.Symbol, side.Opposite()); opp != nil {
		// нетто-позиция у брокера: встречное открытие без закрытия недопустимо
		return models.PositionDelta{}, fmt.Errorf("%w: %s %s is open, close it first", ErrReduceBeyondZero, fill.Symbol, opp.Side)
	}
	return s.openLocked(ctx, fill, side, at)
}

// Close закрывает позицию целиком по цене выхода без комиссии
// (ручное закрытие по данным брокера, сверка)
func (s *PortfolioStore) Close(ctx context.Context, positionID string, exitPrice float64, reason models.CloseReason) (*models.Trade, error) {
	s.mu.Lock()
	pos, ok := s.positions[positionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	fill := models.Fill{
		Symbol:      pos.Symbol,
		Side:        pos.Side.CloseSide(),
		Quantity:    pos.Quantity,
		Price:       exitPrice,
		ReduceOnly:  true,
		PositionID:  pos.ID,
		CloseReason: reason,
		At:          s.now(),
	}
	s.mu.Unlock()

	delta, err := s.Apply(ctx, fill)
	if err != nil {
		return nil, err
	}
	return delta.Trade, nil
}

func (s *PortfolioStore) openLocked(ctx context.Context, fill models.Fill, side models.PositionSide, at time.Time) (models.PositionDelta, error) {
	pos := &models.Position{
		ID:              uuid.NewString(),
		Symbol:          fill.Symbol,
		Side:            side,
		Quantity:        fill.Quantity,
		EntryPrice:      fill.Price,
		Leverage:        fill.Leverage,
		StopLoss:        fill.StopLoss,
		TakeProfit:      fill.TakeProfit,
		TrailingStopPct: fill.TrailingStopPct,
		PeakPrice:       fill.Price,
		Fees:            fill.Fee,
		Slippage:        fill.Slippage,
		SignalID:        fill.SignalID,
		OpenedAt:        at,
		UpdatedAt:       at,
	}
	s.positions[pos.ID] = pos
	s.portfolio.Balance = utils.Sum(s.portfolio.Balance, -fill.Fee)

	s.log.Info("position opened",
		utils.PositionID(pos.ID),
		utils.Symbol(pos.Symbol),
		utils.Side(string(pos.Side)),
		utils.Volume(pos.Quantity),
		utils.Price(pos.EntryPrice),
	)

	err := multierr.Combine(
		s.repos.Positions.Upsert(ctx, pos),
		s.savePortfolioLocked(ctx),
	)
	s.updateGaugesLocked()
	return models.PositionDelta{Kind: models.DeltaOpened, Position: pos.Clone()}, err
}

func (s *PortfolioStore) increaseLocked(ctx context.Context, pos *models.Position, fill models.Fill, at time.Time) (models.PositionDelta, error) {
	pos.EntryPrice = utils.WeightedAverage(
		[]float64{pos.EntryPrice, fill.Price},
		[]float64{pos.Quantity, fill.Quantity},
	)
	pos.Quantity = utils.Sum(pos.Quantity, fill.Quantity)
	pos.Fees = utils.Sum(pos.Fees, fill.Fee)
	pos.Slippage = utils.Sum(pos.Slippage, fill.Slippage)
	if fill.StopLoss != nil {
		pos.StopLoss = fill.StopLoss
	}
	if fill.TakeProfit != nil {
		pos.TakeProfit = fill.TakeProfit
	}
	pos.UpdatedAt = at
	s.portfolio.Balance = utils.Sum(s.portfolio.Balance, -fill.Fee)

	err := multierr.Combine(
		s.repos.Positions.Upsert(ctx, pos),
		s.savePortfolioLocked(ctx),
	)
	s.updateGaugesLocked()
	return models.PositionDelta{Kind: models.DeltaIncreased, Position: pos.Clone()}, err
}

func (s *PortfolioStore) reduceLocked(ctx context.Context, pos *models.Position, fill models.Fill, at time.Time) (models.PositionDelta, error) {
	if fill.Quantity > pos.Quantity+qtyEpsilon {
		return models.PositionDelta{}, fmt.Errorf("%w: fill %v > position %v", ErrReduceBeyondZero, fill.Quantity, pos.Quantity)
	}
	closeQty := utils.Min(fill.Quantity, pos.Quantity)
	full := pos.Quantity-closeQty <= qtyEpsilon

	// доля комиссий и проскальзывания входа, приходящаяся на закрываемый объём
	share := decimal.NewFromFloat(closeQty).Div(decimal.NewFromFloat(pos.Quantity))
	entryFees, _ := decimal.NewFromFloat(pos.Fees).Mul(share).Float64()
	entrySlip, _ := decimal.NewFromFloat(pos.Slippage).Mul(share).Float64()
	if full {
		entryFees, entrySlip = pos.Fees, pos.Slippage
	}

	gross := utils.CalculatePNL(string(pos.Side), pos.EntryPrice, fill.Price, closeQty)
	fees := utils.Sum(entryFees, fill.Fee)

	reason := fill.CloseReason
	if reason == "" {
		reason = models.CloseReasonSignal
	}

	trade := &models.Trade{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		SignalID:    pos.SignalID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    closeQty,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   fill.Price,
		RealizedPnL: utils.Sum(gross, -fees),
		Fees:        fees,
		Slippage:    utils.Sum(entrySlip, fill.Slippage),
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    at,
		Duration:    at.Sub(pos.OpenedAt),
		CloseReason: reason,
	}

	s.portfolio.Balance = utils.Sum(s.portfolio.Balance, gross, -fill.Fee)
	s.portfolio.DailyRealizedPnL = utils.Sum(s.portfolio.DailyRealizedPnL, trade.RealizedPnL)
	s.latchDailyLossLocked()
	s.recordOutcomeLocked(trade, at)

	kind := models.DeltaReduced
	var posErr error
	if full {
		kind = models.DeltaClosed
		delete(s.positions, pos.ID)
		posErr = s.repos.Positions.Delete(ctx, pos.ID)
		if errors.Is(posErr, repository.ErrPositionNotFound) {
			posErr = nil
		}
	} else {
		pos.Quantity = utils.Sum(pos.Quantity, -closeQty)
		pos.Fees = utils.Sum(pos.Fees, -entryFees)
		pos.Slippage = utils.Sum(pos.Slippage, -entrySlip)
		pos.UpdatedAt = at
		posErr = s.repos.Positions.Upsert(ctx, pos)
	}

	s.log.Info("position reduced",
		utils.PositionID(pos.ID),
		utils.Symbol(pos.Symbol),
		utils.Volume(closeQty),
		utils.Price(fill.Price),
		utils.PNL(trade.RealizedPnL),
		utils.String("reason", string(reason)),
		utils.Bool("closed", full),
	)

	err := multierr.Combine(
		s.repos.Trades.Create(ctx, trade),
		posErr,
		s.savePortfolioLocked(ctx),
	)
	s.updateGaugesLocked()

	out := pos.Clone()
	if full {
		out.Quantity = 0
	}
	return models.PositionDelta{Kind: kind, Position: out, Trade: trade}, err
}

// recordOutcomeLocked ведёт серию убытков и взводит cooldown
func (s *PortfolioStore) recordOutcomeLocked(trade *models.Trade, at time.Time) {
	if !trade.IsLoss() {
		s.portfolio.ConsecutiveLosses = 0
		return
	}
	s.portfolio.ConsecutiveLosses++

	settings := s.currentSettings()
	if s.portfolio.ConsecutiveLosses >= settings.CooldownLossStreak && settings.CooldownMinutes > 0 {
		until := at.Add(settings.CooldownDuration())
		s.portfolio.CooldownUntil = &until
		s.log.Warn("loss streak, cooldown armed",
			utils.Int("losses", s.portfolio.ConsecutiveLosses),
			utils.String("until", until.Format(time.RFC3339)),
		)
	}
}

// latchDailyLossLocked фиксирует пробой дневного лимита. Флаг снимает
// только смена торгового дня, прибыльные закрытия его не сбрасывают.
func (s *PortfolioStore) latchDailyLossLocked() {
	if s.portfolio.DailyLossLimitHit {
		return
	}
	limit := s.currentSettings().DailyLossLimitPct
	if lossPct, hit := dailyLossHit(s.portfolio, limit); hit {
		s.portfolio.DailyLossLimitHit = true
		s.log.Warn("daily loss limit hit, entries halted until next day",
			utils.Float64("loss_pct", lossPct),
			utils.Float64("limit_pct", limit),
		)
	}
}

func (s *PortfolioStore) reduceTargetLocked(fill models.Fill) *models.Position {
	if fill.PositionID != "" {
		if pos, ok := s.positions[fill.PositionID]; ok && pos.Side.CloseSide() == fill.Side {
			return pos
		}
	}
	return s.findLocked(fill.Symbol, models.SideFromOrder(fill.Side).Opposite())
}

func (s *PortfolioStore) findLocked(symbol string, side models.PositionSide) *models.Position {
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Side == side {
			return p
		}
	}
	return nil
}

// ============================================================
// Торговый день
// ============================================================

// rollLocked начинает новый торговый день (00:00 UTC): дневной PnL
// обнуляется, капитал на начало дня фиксируется
func (s *PortfolioStore) rollLocked(now time.Time) bool {
	if !s.portfolio.DayStart.IsZero() && utils.SameTradingDay(s.portfolio.DayStart, now) {
		return false
	}
	s.portfolio.DayStart = utils.GetDayStartFrom(now)
	s.portfolio.EquityAtDayStart = s.equityLocked()
	s.portfolio.DailyRealizedPnL = 0
	s.portfolio.DailyLossLimitHit = false
	s.log.Info("trading day started",
		utils.String("day", s.portfolio.DayStart.Format("2006-01-02")),
		utils.Float64("equity", s.portfolio.EquityAtDayStart),
	)
	return true
}

// Roll переключает день, если он сменился, и сохраняет портфель
func (s *PortfolioStore) Roll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollLocked(s.now().UTC()) {
		return s.savePortfolioLocked(ctx)
	}
	return nil
}

// ============================================================
// Чтение
// ============================================================

func (s *PortfolioStore) equityLocked() float64 {
	equity := s.portfolio.Balance
	for _, p := range s.positions {
		equity = utils.Sum(equity, p.UnrealizedPnL(s.markLocked(p)))
	}
	return equity
}

func (s *PortfolioStore) markLocked(p *models.Position) float64 {
	if s.prices != nil {
		if price, ok := s.prices.LastPrice(p.Symbol); ok {
			return price
		}
	}
	return p.EntryPrice
}

// Snapshot - копия портфеля и позиций с нереализованным PnL на момент чтения
func (s *PortfolioStore) Snapshot() models.PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.rollLocked(now)

	view := models.PortfolioView{
		Portfolio: s.portfolio.Clone(),
		Positions: make([]models.PositionView, 0, len(s.positions)),
		At:        now,
	}
	for _, p := range s.sortedLocked() {
		mark := s.markLocked(p)
		upnl := p.UnrealizedPnL(mark)
		view.UnrealizedPnL = utils.Sum(view.UnrealizedPnL, upnl)
		view.Positions = append(view.Positions, models.PositionView{
			Position:      *p.Clone(),
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
		})
	}
	view.Equity = utils.Sum(s.portfolio.Balance, view.UnrealizedPnL)
	return view
}

// Positions - копии открытых позиций
func (s *PortfolioStore) Positions() []*models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *PortfolioStore) sortedLocked() []*models.Position {
	out := make([]*models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// Position - копия позиции по id
func (s *PortfolioStore) Position(id string) (*models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// PositionFor - копия позиции по символу и стороне
func (s *PortfolioStore) PositionFor(symbol string, side models.PositionSide) (*models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(symbol, side)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

// ============================================================
// Коррекции сверки
// ============================================================

// SetBalance принимает баланс брокера как истину
func (s *PortfolioStore) SetBalance(ctx context.Context, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolio.Balance = balance
	return s.savePortfolioLocked(ctx)
}

// Adopt добавляет позицию, которая есть у брокера, но неизвестна движку
func (s *PortfolioStore) Adopt(ctx context.Context, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	if pos.PeakPrice == 0 {
		pos.PeakPrice = pos.EntryPrice
	}
	pos.UpdatedAt = now
	c := pos.Clone()
	s.positions[c.ID] = c
	s.updateGaugesLocked()
	return s.repos.Positions.Upsert(ctx, c)
}

// Resize выставляет объём позиции равным объёму у брокера
func (s *PortfolioStore) Resize(ctx context.Context, positionID string, qty, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	pos.Quantity = qty
	if entryPrice > 0 {
		pos.EntryPrice = entryPrice
	}
	pos.UpdatedAt = s.now().UTC()
	return s.repos.Positions.Upsert(ctx, pos)
}

// ============================================================
// Защитные выходы
// ============================================================

// ProtectiveTrigger - позиция, которую пора закрыть по защитному уровню
type ProtectiveTrigger struct {
	PositionID string
	Symbol     string
	Reason     models.CloseReason
	Price      float64
	Level      float64
}

// CheckProtective сдвигает пик для трейлинга и возвращает сработавшие уровни
func (s *PortfolioStore) CheckProtective() []ProtectiveTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ProtectiveTrigger
	for _, p := range s.sortedLocked() {
		live := s.positions[p.ID]
		price, ok := s.prices.LastPrice(live.Symbol)
		if !ok {
			continue
		}
		if trig, hit := evaluateProtective(live, price); hit {
			out = append(out, trig)
		}
	}
	return out
}

// evaluateProtective проверяет стоп, тейк и трейлинг одной позиции.
// Пик трейлинга обновляется на месте.
func evaluateProtective(p *models.Position, price float64) (ProtectiveTrigger, bool) {
	long := p.Side == models.PositionLong
	trig := ProtectiveTrigger{PositionID: p.ID, Symbol: p.Symbol, Price: price}

	if p.StopLoss != nil {
		if (long && price <= *p.StopLoss) || (!long && price >= *p.StopLoss) {
			trig.Reason, trig.Level = models.CloseReasonStopLoss, *p.StopLoss
			return trig, true
		}
	}
	if p.TakeProfit != nil {
		if (long && price >= *p.TakeProfit) || (!long && price <= *p.TakeProfit) {
			trig.Reason, trig.Level = models.CloseReasonTakeProfit, *p.TakeProfit
			return trig, true
		}
	}
	if p.TrailingStopPct != nil && *p.TrailingStopPct > 0 {
		if p.PeakPrice == 0 || (long && price > p.PeakPrice) || (!long && price < p.PeakPrice) {
			p.PeakPrice = price
		}
		offset := p.PeakPrice * *p.TrailingStopPct / 100
		if long && price <= p.PeakPrice-offset {
			trig.Reason, trig.Level = models.CloseReasonTrailingStop, p.PeakPrice-offset
			return trig, true
		}
		if !long && price >= p.PeakPrice+offset {
			trig.Reason, trig.Level = models.CloseReasonTrailingStop, p.PeakPrice+offset
			return trig, true
		}
	}
	return trig, false
}

// ============================================================
// Служебное
// ============================================================

func (s *PortfolioStore) currentSettings() models.Settings {
	if s.settings == nil {
		return models.DefaultSettings()
	}
	return s.settings.Current()
}

func (s *PortfolioStore) savePortfolioLocked(ctx context.Context) error {
	s.portfolio.UpdatedAt = s.now().UTC()
	p := s.portfolio.Clone()
	if err := s.repos.Portfolio.Save(ctx, &p); err != nil {
		s.log.Error("failed to persist portfolio", utils.Err(err))
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

func (s *PortfolioStore) updateGaugesLocked() {
	UpdatePortfolioGauges(s.equityLocked(), s.portfolio.DailyRealizedPnL, len(s.positions))
}
