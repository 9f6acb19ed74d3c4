// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/hamed0406/healthpipe/internal/config"
	"github.com/hamed0406/healthpipe/internal/transport/kafka"
)

func main() {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg := config.FromEnv()

	// which roles to check: producer,consumer,api (default all)
	roles := map[string]bool{"producer": true, "consumer": true, "api": true}
	if len(os.Args) > 1 {
		roles = map[string]bool{}
		for _, r := range strings.Split(os.Args[1], ",") {
			roles[strings.TrimSpace(r)] = true
		}
	}

	report := func(role string, err error) {
		if err == nil {
			ok(role + " settings look complete")
			return
		}
		for _, e := range multierr.Errors(err) {
			fail(role + ": " + e.Error())
		}
	}
	if roles["producer"] {
		report("producer", cfg.CheckProducer())
	}
	if roles["consumer"] {
		report("consumer", cfg.CheckConsumer())
	}
	if roles["api"] {
		report("api", cfg.CheckStorage())
	}

	if roles["producer"] || roles["consumer"] {
		if _, err := kafka.TLSConfig(kafka.Config{AccessKey: cfg.KafkaAccessKey, Cert: cfg.KafkaCert, CACert: cfg.KafkaCACert}); err != nil {
			fail(err.Error())
		} else if cfg.KafkaCACert == "" && cfg.KafkaCert == "" {
			warn("no Kafka TLS material; connecting in plaintext")
		} else {
			ok("Kafka TLS material parses")
		}
	}

	if roles["api"] {
		if len(cfg.PublicAPIKeys) == 0 {
			warn("PUBLIC_API_KEYS empty; read routes are open to anyone.")
		} else {
			ok(fmt.Sprintf("%d public API key(s)", len(cfg.PublicAPIKeys)))
		}
		if len(cfg.AllowedOrigins) == 0 {
			warn("ALLOWED_ORIGINS empty; browsers will be blocked by CORS for cross-origin requests.")
		} else {
			ok("ALLOWED_ORIGINS=" + strings.Join(cfg.AllowedOrigins, ","))
		}
		if len(cfg.AlertURLs) > 0 && cfg.SlackWebhookURL == "" {
			warn("ALERT_URLS set without SLACK_WEBHOOK_URL; alerts only go to the log.")
		}
	}

	if cfg.DatabaseDriver == "memory" {
		warn("DATABASE_DRIVER=memory; data is kept in process memory and lost on restart.")
	}

	if failed {
		os.Exit(1)
	}
	ok("preflight passed")
}
