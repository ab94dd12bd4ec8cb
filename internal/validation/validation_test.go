package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"GXCvictim11111111111111111111", true},
		{"1BoatSLRHtKNngkdXEeobR76b53LETtpyT", true},

		// Invalid cases
		{"GXCshort", false},
		{"GXC0OIl111111111111111111111", false}, // Not base58
		{"GXCvictim11111111111111111111111111111", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	good := "9f2c1e5b7a3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f9a0b1c2d3e4f5a6"
	if !IsValidTxHash(good) {
		t.Errorf("IsValidTxHash(%q) = false", good)
	}
	for _, bad := range []string{"", "0x" + good[2:], good[:63], good + "0", "zz" + good[2:]} {
		if IsValidTxHash(bad) {
			t.Errorf("IsValidTxHash(%q) = true", bad)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"victim@example.com", true},
		{"a.b+c@sub.example.org", true},
		{"Victim <victim@example.com>", false},
		{"not-an-email", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsValidEmail(tc.email); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestSanitizeTxHash(t *testing.T) {
	if got := SanitizeTxHash("  ABCDEF "); got != "abcdef" {
		t.Errorf("SanitizeTxHash = %q", got)
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("reporterAddress", "GXCvictim11111111111111111111"),
		ValidAddress("reporterAddress", "GXCvictim11111111111111111111"),
		ValidEmail("email", ""),
		PositiveUnits("amount", 100),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("reporterAddress", ""),
		ValidAddress("reporterAddress", "invalid"),
		ValidEmail("email", "nope"),
		PositiveUnits("amount", 0),
		ValidTxHash("txHash", "abc"),
	)
	if len(errors) != 5 {
		t.Errorf("Expected 5 errors, got %d", len(errors))
	}
	if errors.Error() != "reporterAddress: is required" {
		t.Errorf("Error() = %q", errors.Error())
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.00000001", true},

		// Invalid
		{"0", false},
		{"0.000000001", false}, // Below one unit
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/addresses/:address", AddressParamMiddleware(), ok)
	r.GET("/taint/:txHash", TxHashParamMiddleware(), ok)

	tests := []struct {
		path string
		want int
	}{
		{"/addresses/GXCvictim11111111111111111111", http.StatusOK},
		{"/addresses/0xdead", http.StatusBadRequest},
		{"/taint/9f2c1e5b7a3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f9a0b1c2d3e4f5a6", http.StatusOK},
		{"/taint/not-a-hash", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}
