package bot

import (
	"github.com/shopspring/decimal"

	"tradeengine/internal/models"
)

// fillDelta - исполнение между двумя снимками одного ордера
//
// Брокер сообщает накопленные объём, среднюю цену и комиссию, поэтому
// новое исполнение вычисляется как разность снимков. Повторное событие
// с тем же накопленным объёмом даёт false: исполнение не применяется дважды.
func fillDelta(prev, cur *models.Order, req *models.OrderRequest) (models.Fill, bool) {
	dq := decimal.NewFromFloat(cur.FilledQty).Sub(decimal.NewFromFloat(prev.FilledQty))
	if !dq.GreaterThan(decimal.NewFromFloat(qtyEpsilon)) {
		return models.Fill{}, false
	}

	curCost := decimal.NewFromFloat(cur.AvgFillPrice).Mul(decimal.NewFromFloat(cur.FilledQty))
	prevCost := decimal.NewFromFloat(prev.AvgFillPrice).Mul(decimal.NewFromFloat(prev.FilledQty))
	price, _ := curCost.Sub(prevCost).Div(dq).Float64()
	if price <= 0 {
		price = cur.AvgFillPrice
	}

	qty, _ := dq.Float64()
	fee := cur.Fee - prev.Fee
	if fee < 0 {
		fee = 0
	}

	f := models.Fill{
		OrderID:    cur.ID,
		SignalID:   cur.SignalID,
		Symbol:     cur.Symbol,
		Side:       cur.Side,
		Quantity:   qty,
		Price:      price,
		Fee:        fee,
		Slippage:   cur.Slippage - prev.Slippage,
		Leverage:   cur.Leverage,
		ReduceOnly: cur.ReduceOnly,
		PositionID: cur.PositionID,
		At:         cur.UpdatedAt,
	}
	if req != nil {
		f.StopLoss = req.StopLoss
		f.TakeProfit = req.TakeProfit
		f.TrailingStopPct = req.TrailingStopPct
		f.CloseReason = req.CloseReason
	}
	return f, true
}

// RequestBook - запросы ордеров, ожидающих исполнения из потока или сверки
//
// Хранит защитные уровни и причину закрытия, которых нет у брокера.
type RequestBook interface {
	Request(clientOrderID string) *models.OrderRequest
}
