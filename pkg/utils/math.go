package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - денежная арифметика движка
//
// Округление к шагу лота/цены и расчёт PnL идут через decimal,
// чтобы 0.1+0.2 не превращалось в 0.30000000000000004 в ордерах и отчётах.
// Наружу отдаём float64: модели и репозитории работают с ним.

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// RoundToLotSize округляет ВНИЗ до кратного lotSize.
//
// Используется для объёма ордера: вниз, чтобы не превысить маржу.
//
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(100.5, 1.0) = 100
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	step := dec(lotSize)
	f, _ := dec(value).Div(step).Floor().Mul(step).Float64()
	return f
}

// RoundToTick округляет цену к БЛИЖАЙШЕМУ кратному шагу цены биржи
//
//   - RoundToTick(48999.96, 0.1) = 49000
//   - RoundToTick(1.2345, 0) = 1.2345
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	step := dec(tick)
	f, _ := dec(price).Div(step).Round(0).Mul(step).Float64()
	return f
}

// CalculatePNL - PnL позиции в валюте котировки
//
//   - long:  (current - entry) × qty
//   - short: (entry - current) × qty
//
// Для неизвестной стороны и нулевого объёма возвращает 0.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	var diff decimal.Decimal
	switch side {
	case "long":
		diff = dec(currentPrice).Sub(dec(entryPrice))
	case "short":
		diff = dec(entryPrice).Sub(dec(currentPrice))
	default:
		return 0
	}

	f, _ := diff.Mul(dec(quantity)).Float64()
	return f
}

// Notional - стоимость позиции: qty × price
func Notional(quantity, price float64) float64 {
	f, _ := dec(quantity).Mul(dec(price)).Float64()
	return f
}

// FeeAmount - комиссия с объёма сделки, rate в долях (0.0006 = 0.06%)
func FeeAmount(notional, rate float64) float64 {
	f, _ := dec(math.Abs(notional)).Mul(dec(rate)).Float64()
	return f
}

// ApplySlippage сдвигает цену против нас на bps базисных пунктов
//
// Покупка исполняется дороже, продажа - дешевле.
func ApplySlippage(price, bps float64, buy bool) float64 {
	shift := dec(price).Mul(dec(bps)).Div(decimal.NewFromInt(10000))
	var f float64
	if buy {
		f, _ = dec(price).Add(shift).Float64()
	} else {
		f, _ = dec(price).Sub(shift).Float64()
	}
	return f
}

// WeightedAverage - средневзвешенное значение (средняя цена входа при доливке)
//
// Возвращает 0 если суммарный вес нулевой или длины не совпадают.
func WeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	sum := decimal.Zero
	wsum := decimal.Zero
	for i := range values {
		w := dec(weights[i])
		sum = sum.Add(dec(values[i]).Mul(w))
		wsum = wsum.Add(w)
	}
	if wsum.IsZero() {
		return 0
	}

	f, _ := sum.Div(wsum).Float64()
	return f
}

// PercentOf - доля part от whole в процентах, 0 при whole <= 0
func PercentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	f, _ := dec(part).Div(dec(whole)).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// Sum складывает значения без накопления ошибки округления
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(dec(v))
	}
	f, _ := total.Float64()
	return f
}

func Abs(x float64) float64 {
	return math.Abs(x)
}

func Min(a, b float64) float64 {
	return math.Min(a, b)
}

func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
