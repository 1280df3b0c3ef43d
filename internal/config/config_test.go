package config

import (
	"strings"
	"testing"
)

func TestLoadAccountsNumberedGroups(t *testing.T) {
	t.Setenv("ACCOUNT1_LABEL", "work")
	t.Setenv("ACCOUNT1_HOST", "imap.example.com")
	t.Setenv("ACCOUNT1_PORT", "1993")
	t.Setenv("ACCOUNT1_USERNAME", "me@example.com")
	t.Setenv("ACCOUNT1_PASSWORD", "hunter2")

	t.Setenv("ACCOUNT2_HOST", "imap.other.com")
	t.Setenv("ACCOUNT2_USERNAME", "me@other.com")
	t.Setenv("ACCOUNT2_PASSWORD", "hunter3")

	// A gap ends the scan
	t.Setenv("ACCOUNT4_HOST", "imap.ignored.com")

	accounts, err := loadAccounts()
	if err != nil {
		t.Fatalf("loadAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}

	if accounts[0].Label != "work" || accounts[0].Port != 1993 {
		t.Errorf("account 1: %+v", accounts[0])
	}
	if accounts[0].Addr() != "imap.example.com:1993" {
		t.Errorf("addr = %q", accounts[0].Addr())
	}

	// Label defaults to the username, port to 993
	if accounts[1].Label != "me@other.com" || accounts[1].Port != 993 {
		t.Errorf("account 2: %+v", accounts[1])
	}
}

func TestLoadAccountsValidation(t *testing.T) {
	t.Setenv("ACCOUNT1_LABEL", "work")
	t.Setenv("ACCOUNT1_HOST", "imap.example.com")
	t.Setenv("ACCOUNT1_USERNAME", "me@example.com")

	if _, err := loadAccounts(); err == nil || !strings.Contains(err.Error(), "PASSWORD") {
		t.Errorf("missing password must fail, got %v", err)
	}

	t.Setenv("ACCOUNT1_PASSWORD", "x")
	t.Setenv("ACCOUNT2_LABEL", "work")
	t.Setenv("ACCOUNT2_HOST", "imap.other.com")
	t.Setenv("ACCOUNT2_USERNAME", "me@other.com")
	t.Setenv("ACCOUNT2_PASSWORD", "y")

	if _, err := loadAccounts(); err == nil || !strings.Contains(err.Error(), "duplicate label") {
		t.Errorf("duplicate label must fail, got %v", err)
	}

	t.Setenv("ACCOUNT2_LABEL", "other")
	t.Setenv("ACCOUNT2_PORT", "not-a-port")
	if _, err := loadAccounts(); err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Errorf("bad port must fail, got %v", err)
	}
}
