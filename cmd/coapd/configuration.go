package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/admin"
	"github.com/insaneXs/nCoAP/pkg/reliability"
	"github.com/insaneXs/nCoAP/pkg/resource"
	"github.com/insaneXs/nCoAP/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Server    serverConf
	Logging   logConf
	Admin     adminConf
	Constants constantsConf
}

// serverConf describes the Server-configuration block.
type serverConf struct {
	Listen string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// adminConf describes the admin-surface configuration block. An empty
// Listen disables the admin surface entirely.
type adminConf struct {
	Listen string
}

// constantsConf overrides the RFC 7252 protocol constants (spec.md
// §4.A), re-read on every configuration-file write. Ack-timeout and
// max-retransmit changes apply to later transmissions without a restart;
// the exchange lifetime is read only when the core is built, so a change
// to it takes effect on the next start.
type constantsConf struct {
	AckTimeoutMillis     uint `toml:"ack-timeout-millis"`
	MaxRetransmit        uint `toml:"max-retransmit"`
	ExchangeLifetimeSecs uint `toml:"exchange-lifetime-secs"`
}

func (c constantsConf) apply() {
	if c.AckTimeoutMillis != 0 {
		reliability.AckTimeout = time.Duration(c.AckTimeoutMillis) * time.Millisecond
	}
	if c.MaxRetransmit != 0 {
		reliability.MaxRetransmit = int(c.MaxRetransmit)
	}
	if c.ExchangeLifetimeSecs != 0 {
		reliability.ExchangeLifetime = time.Duration(c.ExchangeLifetimeSecs) * time.Second
	}
}

// daemon bundles the running pieces so main can shut them down in order.
type daemon struct {
	core       *reliability.Core
	dispatcher *resource.Dispatcher
	udp        *transport.UDPTransport
	admin      *admin.Surface
	watcher    *fsnotify.Watcher
}

// Close shuts down the fsnotify watcher, the UDP socket and the core,
// aggregating whichever ones actually report a shutdown error with
// multierror rather than discarding all but the last. The watcher and
// the socket can each fail to close; the core's Close is checked the
// same way but always returns nil. The admin listener is not stopped
// here. This is the multi-error case the teacher's own validation-error
// accumulation in pkg/bpv7/bundle.go models.
func (d *daemon) Close() error {
	var result *multierror.Error

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.udp != nil {
		if err := d.udp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.core != nil {
		if err := d.core.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// parseDaemon builds and starts a daemon from the given TOML configuration
// file, and begins watching it for changes to the [constants] block.
func parseDaemon(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	if conf.Server.Listen == "" {
		err = fmt.Errorf("server.listen is empty")
		return
	}

	conf.Constants.apply()

	dispatcher := resource.NewDispatcher()
	core := reliability.NewCore(nil, dispatcher)

	udp, err := transport.Listen(conf.Server.Listen, core)
	if err != nil {
		return
	}

	d = &daemon{core: core, dispatcher: dispatcher, udp: udp}

	if conf.Admin.Listen != "" {
		d.admin = admin.NewSurface(core, dispatcher)
		go func() {
			if lErr := listenAdmin(conf.Admin.Listen, d.admin); lErr != nil {
				log.WithError(lErr).Error("admin surface stopped")
			}
		}()
	}

	if watcher, wErr := fsnotify.NewWatcher(); wErr == nil {
		if addErr := watcher.Add(filepath.Dir(filename)); addErr == nil {
			d.watcher = watcher
			go watchConstants(watcher, filename)
		} else {
			_ = watcher.Close()
			log.WithError(addErr).Warn("failed to watch configuration directory")
		}
	} else {
		log.WithError(wErr).Warn("failed to start configuration file watcher")
	}

	return d, nil
}

func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// watchConstants reloads and re-applies the [constants] block whenever
// the configuration file is written, so ack-timeout/max-retransmit
// tuning takes effect without restarting the daemon. The running core's
// registry and message-ID factory keep the exchange lifetime they were
// built with.
func watchConstants(watcher *fsnotify.Watcher, filename string) {
	target := filepath.Clean(filename)

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != target || e.Op&fsnotify.Write == 0 {
				continue
			}

			var conf tomlConfig
			if _, err := toml.DecodeFile(filename, &conf); err != nil {
				log.WithError(err).Warn("failed to reload configuration")
				continue
			}

			conf.Constants.apply()
			log.Info("reloaded [constants] from configuration file")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("configuration file watcher errored")
		}
	}
}
