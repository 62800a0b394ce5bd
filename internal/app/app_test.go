package app

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/ethereum"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_ADDRESS", "0x000000000000000000000000000000000000ad01")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/wrapper")
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("OPERATOR_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("SNS_TOPIC_DEPOSIT_AND_BORROW", "arn:aws:sns:eu-west-1:000000000000:deposit-and-borrow")
	t.Setenv("SNS_TOPIC_PAYBACK_AND_WITHDRAW", "arn:aws:sns:eu-west-1:000000000000:payback-and-withdraw")
}

func TestConfigFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CHAIN_ID", "11155111")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.AdminAddress != common.HexToAddress("0x000000000000000000000000000000000000ad01") {
		t.Errorf("AdminAddress = %s", cfg.AdminAddress.Hex())
	}
	if cfg.LendingPool != ethereum.AaveV2LendingPoolMainnet {
		t.Errorf("LendingPool = %s, want mainnet default", cfg.LendingPool.Hex())
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.KeyPrefix == "" {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.ChainID != 11155111 {
		t.Errorf("ChainID = %d", cfg.ChainID)
	}
}

func TestConfigFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing admin", map[string]string{"ADMIN_ADDRESS": ""}, "ADMIN_ADDRESS"},
		{"malformed admin", map[string]string{"ADMIN_ADDRESS": "0x1234"}, "ADMIN_ADDRESS"},
		{"malformed pool", map[string]string{"LENDING_POOL_ADDRESS": "pool"}, "LENDING_POOL_ADDRESS"},
		{"missing database", map[string]string{"DATABASE_URL": ""}, "DATABASE_URL environment variable is required"},
		{"missing topic", map[string]string{"SNS_TOPIC_PAYBACK_AND_WITHDRAW": ""}, "SNS_TOPIC_PAYBACK_AND_WITHDRAW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ConfigFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	raw := common.Bytes2Hex(crypto.FromECDSA(key))

	for _, in := range []string{raw, "0x" + raw, " 0x" + raw + "\n"} {
		got, err := ParsePrivateKey(in)
		if err != nil {
			t.Fatalf("ParsePrivateKey(%q): %v", in, err)
		}
		if crypto.PubkeyToAddress(got.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
			t.Error("parsed key does not match")
		}
	}
	if _, err := ParsePrivateKey("0xdeadbeef"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestStackCloseRunsInReverse(t *testing.T) {
	var order []int
	s := &Stack{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	s.Close()
	s.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("close order = %v, want [2 1]", order)
	}
}
