package utils

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// validator.go - валидация входных данных
//
// Структуры проверяются через go-playground/validator по тегам `validate`,
// ошибки приводятся к ValidationErrors (поле -> сообщение).
// Дополнительно зарегистрирован тег "symbol" для торговых пар.

var (
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrInvalidPercentage = errors.New("invalid percentage")
)

// Допустимы буквы, цифры и разделители - _ /
var symbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/\-]{1,29}$`)

// Известные котируемые валюты, от длинных к коротким
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// ValidateSymbol проверяет формат символа (BTCUSDT, BTC-USDT, btc/usdt)
func ValidateSymbol(symbol string) error {
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// NormalizeSymbol приводит символ к виду биржи: BTCUSDT
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// splitSymbol делит символ на базовую и котируемую валюту
func splitSymbol(symbol string) (base, quote string) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"-", "_", "/"} {
		if i := strings.Index(upper, sep); i > 0 {
			return upper[:i], upper[i+1:]
		}
	}
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return strings.TrimSuffix(upper, q), q
		}
	}
	return upper, ""
}

func ExtractQuoteCurrency(symbol string) string {
	_, quote := splitSymbol(symbol)
	return quote
}

// ValidateLeverage: плечо от 1 до max включительно
func ValidateLeverage(leverage, max float64) error {
	if leverage < 1 || (max > 0 && leverage > max) {
		return fmt.Errorf("%w: %v (max %v)", ErrInvalidLeverage, leverage, max)
	}
	return nil
}

// ValidatePercentage: процент в диапазоне (0, 100]
func ValidatePercentage(pct float64) error {
	if pct <= 0 || pct > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidPercentage, pct)
	}
	return nil
}

// ============================================================
// ValidationErrors
// ============================================================

// FieldError - ошибка одного поля
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors - набор ошибок валидации
type ValidationErrors []FieldError

func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку поля, nil игнорируется
func (e *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	e.Add(field, err.Error())
}

func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OrNil возвращает nil если ошибок нет (чтобы не получить typed-nil error)
func (e ValidationErrors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ============================================================
// Структурная валидация (go-playground/validator)
// ============================================================

var (
	structValidator *validator.Validate
	validatorOnce   sync.Once
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// В ошибках используем имя из json-тега
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
			return IsValidSymbol(fl.Field().String())
		})
		structValidator = v
	})
	return structValidator
}

// ValidateStruct проверяет структуру по тегам validate
//
// Возвращает ValidationErrors либо nil.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var out ValidationErrors
	for _, fe := range verrs {
		out.Add(fe.Field(), describeTag(fe))
	}
	return out
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "gte", "min":
		return "must be >= " + fe.Param()
	case "lte", "max":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "lt":
		return "must be < " + fe.Param()
	case "symbol":
		return "is not a valid symbol"
	default:
		return "failed on " + fe.Tag()
	}
}
