// Package exchange предоставляет интерфейс брокера и его реализации:
// Bybit (live) и внутрипроцессную бумажную площадку (paper).
package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"

	"tradeengine/pkg/utils"
)

// json - кодек для REST/WS payload брокера
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPClientConfig содержит настройки HTTP клиента для брокера
type HTTPClientConfig struct {
	// Таймауты соединения
	ConnectTimeout time.Duration // таймаут установки TCP соединения (default: 5s)
	ReadTimeout    time.Duration // таймаут ожидания заголовков ответа (default: 10s)
	TotalTimeout   time.Duration // общий таймаут операции (default: 30s)

	// Connection pooling
	MaxIdleConns        int           // максимум idle соединений (default: 100)
	MaxIdleConnsPerHost int           // максимум idle соединений на хост (default: 10)
	MaxConnsPerHost     int           // максимум соединений на хост (default: 20)
	IdleConnTimeout     time.Duration // таймаут простоя соединения (default: 90s)

	TLSHandshakeTimeout time.Duration // default: 5s
	KeepAliveInterval   time.Duration // default: 30s
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewHTTPClient создаёт http.Client с пулом keep-alive соединений
//
// Таймаут dial сокращается до дедлайна контекста запроса, если тот ближе:
// ордер с таймаутом 3s не должен ждать 5s на установку соединения.
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if deadline, ok := ctx.Deadline(); ok {
				if timeout := time.Until(deadline); timeout < config.ConnectTimeout {
					d := &net.Dialer{Timeout: timeout, KeepAlive: config.KeepAliveInterval}
					return d.DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}
}

// NewRestClient оборачивает настроенный http.Client в resty
//
// Повторы resty выключены: решение о повторе принимает вызывающий код
// (чтения - через pkg/retry, размещение ордера - никогда).
func NewRestClient(baseURL string, config HTTPClientConfig, log *utils.Logger) *resty.Client {
	if log == nil {
		log = utils.L()
	}
	client := resty.NewWithClient(NewHTTPClient(config)).
		SetBaseURL(baseURL).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.Debug("broker http",
			utils.String("method", resp.Request.Method),
			utils.String("url", resp.Request.URL),
			utils.Int("status", resp.StatusCode()),
			utils.Latency(float64(resp.Time().Microseconds())/1000),
		)
		return nil
	})

	return client
}
