package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// time.go - торговый день и таймфреймы
//
// Торговый день крипторынка начинается в 00:00 UTC: на этой границе
// сбрасывается дневной PnL портфеля и снимается блокировка дневного лимита.

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для указанного времени
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDayStart - начало следующего торгового дня
func NextDayStart(t time.Time) time.Time {
	return GetDayStartFrom(t).AddDate(0, 0, 1)
}

// SameTradingDay проверяет что оба момента в одном торговом дне
func SameTradingDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// ============================================================
// Таймфреймы сигналов
// ============================================================

// ParseTimeframe разбирает таймфрейм вида 1m, 15m, 1h, 4h, 1d, 1w
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	return time.Duration(n) * unit, nil
}

// ============================================================
// Форматирование
// ============================================================

// FormatDuration форматирует длительность без долей секунды: 45s, 5m30s, 2h15m0s
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Truncate(time.Second).String()
}

// FromUnixMillis конвертирует миллисекунды Unix (формат бирж) в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
