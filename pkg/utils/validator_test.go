package utils

import (
	"testing"
)

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		// Valid symbols
		{"valid BTCUSDT", "BTCUSDT", false},
		{"valid ETHUSDT", "ETHUSDT", false},
		{"valid lowercase", "btcusdt", false},
		{"valid with hyphen", "BTC-USDT", false},
		{"valid with underscore", "BTC_USDT", false},
		{"valid with slash", "BTC/USDT", false},
		{"valid short", "XY", false},
		{"valid with numbers", "1INCH", false},

		// Invalid symbols
		{"empty", "", true},
		{"single char", "B", true},
		{"too long", "BTCUSDTBTCUSDTBTCUSDTBTCUSDTXXX", true},
		{"special chars", "BTC@USDT", true},
		{"spaces", "BTC USDT", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "btcusdt", "BTCUSDT"},
		{"with hyphen", "btc-usdt", "BTCUSDT"},
		{"with underscore", "BTC_USDT", "BTCUSDT"},
		{"with slash", "btc/usdt", "BTCUSDT"},
		{"already normalized", "BTCUSDT", "BTCUSDT"},
		{"mixed case with hyphen", "Btc-Usdt", "BTCUSDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeSymbol(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestExtractQuoteCurrency(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		expected string
	}{
		{"BTCUSDT", "BTCUSDT", "USDT"},
		{"ETHUSDC", "ETHUSDC", "USDC"},
		{"with hyphen", "BTC-USDT", "USDT"},
		{"with underscore", "ETH_BTC", "BTC"},
		{"with slash", "SOL/ETH", "ETH"},
		{"BTC quote", "ETHBTC", "BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractQuoteCurrency(tt.symbol)
			if result != tt.expected {
				t.Errorf("ExtractQuoteCurrency(%q) = %q, want %q", tt.symbol, result, tt.expected)
			}
		})
	}
}

func TestValidateLeverage(t *testing.T) {
	tests := []struct {
		name     string
		leverage float64
		max      float64
		wantErr  bool
	}{
		{"1x", 1, 10, false},
		{"max", 10, 10, false},
		{"above max", 11, 10, true},
		{"below 1", 0.5, 10, true},
		{"no cap", 100, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLeverage(tt.leverage, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLeverage(%v, %v) error = %v, wantErr %v", tt.leverage, tt.max, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePercentage(t *testing.T) {
	tests := []struct {
		pct     float64
		wantErr bool
	}{
		{0.5, false},
		{100, false},
		{0, true},
		{-1, true},
		{100.1, true},
	}

	for _, tt := range tests {
		if err := ValidatePercentage(tt.pct); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePercentage(%v) error = %v, wantErr %v", tt.pct, err, tt.wantErr)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors

	errs.Add("field1", "error1")
	errs.Add("field2", "error2")

	if !errs.HasErrors() {
		t.Error("ValidationErrors.HasErrors() = false, want true")
	}

	if errs.Error() == "" {
		t.Error("ValidationErrors.Error() should not be empty")
	}

	if len(errs) != 2 {
		t.Errorf("ValidationErrors length = %d, want 2", len(errs))
	}
}

func TestValidationErrorsAddError(t *testing.T) {
	var errs ValidationErrors

	// nil не добавляется
	errs.AddError("field1", nil)
	if errs.HasErrors() {
		t.Error("ValidationErrors.AddError(nil) should not add error")
	}
	if errs.OrNil() != nil {
		t.Error("OrNil() должен вернуть nil для пустого набора")
	}

	errs.AddError("field2", ErrInvalidSymbol)
	if !errs.HasErrors() {
		t.Error("ValidationErrors.AddError(err) should add error")
	}
}

type testPayload struct {
	Symbol     string  `json:"symbol" validate:"required,symbol"`
	Side       string  `json:"side" validate:"oneof=long short flat"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name       string
		payload    testPayload
		wantFields []string
	}{
		{"valid", testPayload{Symbol: "BTCUSDT", Side: "long", Confidence: 0.8}, nil},
		{"bad symbol", testPayload{Symbol: "BTC USDT", Side: "long", Confidence: 0.8}, []string{"symbol"}},
		{"missing symbol", testPayload{Side: "short", Confidence: 0.1}, []string{"symbol"}},
		{"bad side and confidence", testPayload{Symbol: "ETHUSDT", Side: "up", Confidence: 1.5}, []string{"side", "confidence"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.payload)
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			verrs, ok := err.(ValidationErrors)
			if !ok {
				t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
			}
			if len(verrs) != len(tt.wantFields) {
				t.Fatalf("got %d errors (%v), want %d", len(verrs), verrs, len(tt.wantFields))
			}
			for i, f := range tt.wantFields {
				if verrs[i].Field != f {
					t.Errorf("error[%d].Field = %q, want %q", i, verrs[i].Field, f)
				}
			}
		})
	}
}

func TestIsValidSymbol(t *testing.T) {
	if !IsValidSymbol("BTCUSDT") {
		t.Error("IsValidSymbol(BTCUSDT) = false, want true")
	}
	if IsValidSymbol("") {
		t.Error("IsValidSymbol(\"\") = true, want false")
	}
}
