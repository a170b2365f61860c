package database

import (
	"net/url"
	"strings"
	"testing"

	"github.com/arturkryukov/dropsafe/internal/config"
)

func TestMigrationURL(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db.internal",
		DBPort:     5433,
		DBName:     "dropsafe",
		DBUser:     "dropsafe",
		DBPassword: "p@ss/w:rd#1",
		DBSSLMode:  "require",
	}

	raw := migrationURL(cfg)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("URL миграций не разбирается: %v", err)
	}
	if u.Scheme != "pgx5" {
		t.Errorf("ожидалась схема pgx5, получена %q", u.Scheme)
	}
	if u.Host != "db.internal:5433" {
		t.Errorf("ожидался хост db.internal:5433, получен %q", u.Host)
	}
	if u.Path != "/dropsafe" {
		t.Errorf("ожидался путь /dropsafe, получен %q", u.Path)
	}
	if got := u.Query().Get("sslmode"); got != "require" {
		t.Errorf("ожидался sslmode=require, получен %q", got)
	}

	// Спецсимволы пароля должны пережить разбор URL без искажений
	pass, _ := u.User.Password()
	if pass != cfg.DBPassword {
		t.Errorf("пароль искажён экранированием: ожидался %q, получен %q", cfg.DBPassword, pass)
	}
	if strings.Contains(raw, cfg.DBPassword) {
		t.Error("пароль со спецсимволами попал в URL без экранирования")
	}
}
