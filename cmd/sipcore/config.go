package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

type config struct {
	UDPAddr     string        `mapstructure:"udp_addr"`
	UDPReaders  int           `mapstructure:"udp_readers"`
	TCPAddr     string        `mapstructure:"tcp_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogFormat   string        `mapstructure:"log_format"`
	LogLevel    string        `mapstructure:"log_level"`
	Shutdown    time.Duration `mapstructure:"shutdown_timeout"`

	Stack stackConfig `mapstructure:"stack"`
}

type stackConfig struct {
	T1 time.Duration `mapstructure:"t1"`
	T2 time.Duration `mapstructure:"t2"`
	T4 time.Duration `mapstructure:"t4"`

	AutoDialog          bool          `mapstructure:"auto_dialog"`
	AutoDialogErrors    bool          `mapstructure:"auto_dialog_errors"`
	UnsolicitedNotify   bool          `mapstructure:"deliver_unsolicited_notify"`
	AckTerminatedEvents bool          `mapstructure:"deliver_terminated_event_for_ack"`
	LooseValidation     bool          `mapstructure:"loose_dialog_validation"`
	ServerLowWater      int           `mapstructure:"server_low_water_mark"`
	ServerHighWater     int           `mapstructure:"server_high_water_mark"`
	ClientLowWater      int           `mapstructure:"client_low_water_mark"`
	ClientHighWater     int           `mapstructure:"client_high_water_mark"`
	MaxListenerResponse time.Duration `mapstructure:"max_listener_response_time"`
	Reentrant           bool          `mapstructure:"reentrant_listener"`
	ThreadPoolSize      int           `mapstructure:"thread_pool_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("udp_addr", "0.0.0.0:5060")
	v.SetDefault("udp_readers", 4)
	v.SetDefault("tcp_addr", "0.0.0.0:5060")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 5*time.Second)

	v.SetDefault("stack.t1", sip.T1)
	v.SetDefault("stack.t2", sip.T2)
	v.SetDefault("stack.t4", sip.T4)
	v.SetDefault("stack.auto_dialog", true)
	v.SetDefault("stack.auto_dialog_errors", true)
	v.SetDefault("stack.thread_pool_size", 4)
}

// loadConfig reads the config from flags, SIPCORE_* environment variables and an optional file.
func loadConfig(args []string) (*config, error) {
	fs := pflag.NewFlagSet("sipcore", pflag.ContinueOnError)
	cfgFile := fs.StringP("config", "c", "", "config file path")
	fs.String("udp-addr", "", "UDP listen address")
	fs.String("tcp-addr", "", "TCP listen address, empty disables TCP")
	fs.String("metrics-addr", "", "Prometheus metrics listen address, empty disables metrics")
	fs.String("log-format", "", "log format: console or dev")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("sipcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"udp_addr":     "udp-addr",
		"tcp_addr":     "tcp-addr",
		"metrics_addr": "metrics-addr",
		"log_format":   "log-format",
		"log_level":    "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", *cfgFile, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.UDPAddr == "" && cfg.TCPAddr == "" {
		return nil, errors.New("at least one of udp_addr and tcp_addr must be set")
	}
	return &cfg, nil
}

func (c *config) logger() (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console":
		return log.NewConsole(lvl), nil
	case "dev":
		return log.NewDev(lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}

func (c *stackConfig) options() *sip.StackOptions {
	opts := &sip.StackOptions{
		DisableAutomaticDialogSupport:       !c.AutoDialog,
		DisableAutomaticDialogErrorHandling: !c.AutoDialogErrors,
		DeliverUnsolicitedNotify:            c.UnsolicitedNotify,
		DeliverTerminatedEventForAck:        c.AckTerminatedEvents,
		LooseDialogValidation:               c.LooseValidation,
		ServerTransactionsLowWaterMark:      c.ServerLowWater,
		ServerTransactionsHighWaterMark:     c.ServerHighWater,
		ClientTransactionsLowWaterMark:      c.ClientLowWater,
		ClientTransactionsHighWaterMark:     c.ClientHighWater,
		MaxListenerResponseTime:             c.MaxListenerResponse,
		ThreadPoolSize:                      c.ThreadPoolSize,
		Timings:                             sip.NewTimings(c.T1, c.T2, c.T4, 0, 0),
	}
	if c.Reentrant {
		opts.DeliveryMode = sip.DeliveryConcurrent
	}
	return opts
}
