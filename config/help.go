package config

import (
	"flag"
	"fmt"
)

const HelpMessage = `trip-dispatch-system

Usage:
  dispatch -mode=<mode> [-config-path=config.yaml]

Modes:
  dispatch-service  HTTP/WS API plus the offer orchestration engine
  timeout-worker    delayed timeout jobs and the backstop sweep

Configuration is read from the YAML file and the environment; environment
variables win. Run with -help to print this message.
`

func PrintHelp() {
	if HelpMessage != "" {
		fmt.Printf("%s", HelpMessage)
	} else {
		flag.Usage()
	}
}

// PrintConfig prints the effective non-secret configuration.
func PrintConfig(cfg *Config) {
	fmt.Printf("mode: %s\n", cfg.Mode)
	fmt.Printf("database: %s:%s/%s\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	fmt.Printf("redis: %s (db %d)\n", cfg.Redis.Addr, cfg.Redis.DB)
	fmt.Printf("rabbitmq: %s:%s\n", cfg.RabbitMQ.Host, cfg.RabbitMQ.Port)
	fmt.Printf("offer timeout: %s, global timeout: %s\n", cfg.Dispatch.OfferTimeout, cfg.Dispatch.GlobalTimeout)
}
