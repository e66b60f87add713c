package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

const exampleCode = "00020101021229230006BAKONG0109user@bank52045999530384054044.995802KH" +
	"5912Example Shop6010Phnom Penh62090105ORD-163047195"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestGenerateCommand(t *testing.T) {
	out, err := runCLI(t, "generate",
		"--amount", "4.99", "--currency", "usd", "--bill", "ORD-1",
		"--account", "user@bank", "--name", "Example Shop", "--city", "Phnom Penh")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if first := strings.SplitN(out, "\n", 2)[0]; first != exampleCode {
		t.Errorf("Unexpected code %q", first)
	}
	if !strings.Contains(out, "7d19620679d3755a84471e2daffb246c") {
		t.Errorf("Expected fingerprint in output: %s", out)
	}
}

func TestGenerateCommandRejectsBadAmount(t *testing.T) {
	if _, err := runCLI(t, "generate", "--amount", "0", "--account", "user@bank"); err == nil {
		t.Error("Expected error for zero amount")
	}
	if _, err := runCLI(t, "generate", "--amount", "abc", "--account", "user@bank"); err == nil {
		t.Error("Expected error for non-numeric amount")
	}
}

func TestDecodeCommand(t *testing.T) {
	out, err := runCLI(t, "decode", exampleCode)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for _, want := range []string{"59 [12] Example Shop", "    01 [09] user@bank", "checksum:    ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	tampered := strings.Replace(exampleCode, "4.99", "5.99", 1)
	if _, err := runCLI(t, "decode", tampered); err == nil {
		t.Error("Expected checksum error for tampered code")
	}
}

func newSettledServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responseCode":0,"data":{"hash":"h1","fromAccountId":"payer@aba","amount":4.99}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckCommand(t *testing.T) {
	srv := newSettledServer(t)
	t.Setenv("BAKONG_BASE_URL", srv.URL)
	t.Setenv("BAKONG_TOKEN", "tok")

	out, err := runCLI(t, "check", exampleCode)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !strings.Contains(out, `"hash": "h1"`) {
		t.Errorf("Expected transaction in output: %s", out)
	}
}

func TestPollCommand(t *testing.T) {
	srv := newSettledServer(t)
	dsn := filepath.Join(t.TempDir(), "orders.bolt")
	t.Setenv("BAKONG_BASE_URL", srv.URL)
	t.Setenv("BAKONG_TOKEN", "tok")
	t.Setenv("STORE_DRIVER", store.DriverBolt)
	t.Setenv("STORE_DSN", dsn)

	s, err := store.NewBoltStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Create(context.Background(), &models.PendingOrder{
		ID:             "order-1",
		Fingerprint:    "7d19620679d3755a84471e2daffb246c",
		ExpectedAmount: decimal.RequireFromString("4.99"),
		Currency:       "USD",
	})
	s.Close()
	if err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "poll", "7d19620679d3755a84471e2daffb246c", "--interval", "10ms", "--timeout", "5s")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if !strings.Contains(out, "order order-1: paid (matched)") {
		t.Errorf("Unexpected output %q", out)
	}
}
