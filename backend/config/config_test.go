package config

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStringHidesSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Running.Port = 8080
	cfg.Redis.Addrs = []string{"127.0.0.1:6379"}
	cfg.Redis.Password = "redis-secret"
	cfg.Mysql.DSN = "braid:mysql-secret@tcp(db:3306)/braid?parseTime=true"
	cfg.Peers = []Peer{{Key: "doc", URL: "http://peer/doc"}}

	s := cfg.String()
	if strings.Contains(s, "redis-secret") || strings.Contains(s, "mysql-secret") {
		t.Fatalf("String() leaks a secret: %s", s)
	}
	assert.Equal(t, strings.Contains(s, "port=8080"), true)
	assert.Equal(t, strings.Contains(s, "auth=set"), true)
	assert.Equal(t, strings.Contains(s, "braid@tcp(db:3306)/braid"), true)
	assert.Equal(t, strings.Contains(s, "peers=1"), true)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, redactDSN(""), "none")
	assert.Equal(t, redactDSN("not a dsn("), "invalid")
}
