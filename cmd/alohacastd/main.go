package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lanikai/alohacast"
	"github.com/lanikai/alohacast/internal/config"
	"github.com/lanikai/alohacast/internal/control"
	"github.com/lanikai/alohacast/internal/logging"
	"github.com/lanikai/alohacast/internal/media"
	"github.com/lanikai/alohacast/internal/notify"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("alohacastd")

var _ control.Engine = (*alohacast.Coordinator)(nil)

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("alohacastd", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}

// applyFlags overrides environment settings with flags given explicitly.
func applyFlags(d *config.Daemon) {
	changed := flag.CommandLine.Changed
	if changed("input") {
		d.Source = flagSource
	}
	if changed("width") {
		d.Width = flagWidth
	}
	if changed("height") {
		d.Height = flagHeight
	}
	if changed("framerate") {
		d.Framerate = flagFramerate
	}
	if changed("bitrate") {
		d.VideoBitrate = flagBitrate
	}
	if changed("audio-bitrate") {
		d.AudioBitrate = flagAudioBitrate
	}
	if changed("control") {
		d.ControlAddr = flagControl
	}
	if changed("redis") {
		d.RedisAddr = flagRedis
	}
	if changed("auto-bitrate") {
		d.AutoBitrate = flagAutoBitrate
	}
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	if err := config.Load(flagEnvFile); err != nil && flag.CommandLine.Changed("env") {
		log.Fatalf("%v", err)
	}
	d := config.FromEnv()
	applyFlags(&d)

	// Package loggers pick up LOGLEVEL from the process environment at init;
	// a level from the .env file only reaches loggers derived from here on.
	if d.LogLevel != "" {
		if err := logging.Configure(d.LogLevel); err != nil {
			log.Fatalf("%v", err)
		}
		log = logging.DefaultLogger.WithTag("alohacastd")
	}

	if err := run(d); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(d config.Daemon) error {
	src, err := media.OpenSource(d.Source, media.SourceOptions{
		Width:        d.Width,
		Height:       d.Height,
		Framerate:    d.Framerate,
		VideoBitrate: d.VideoBitrate,
		AudioBitrate: d.AudioBitrate,
	})
	if err != nil {
		return err
	}

	coord, err := alohacast.New(src, alohacast.ConfigFromDaemon(d))
	if err != nil {
		src.Close()
		return err
	}
	defer coord.Close()

	coord.Subscribe(func(ev notify.Event) {
		log.Info("Event: %v", ev)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return control.NewServer(coord).Run(ctx, d.ControlAddr)
	})

	if d.RedisAddr != "" {
		client := notify.NewRedisClient(strings.Split(d.RedisAddr, ","), d.RedisPassword)
		defer client.Close()
		pub := notify.NewRedisPublisher(client, d.RedisChannel, 0)
		coord.Subscribe(pub.Handle)
		g.Go(func() error {
			return pub.Run(ctx)
		})
	}

	if flagLocalPort != 0 {
		if err := coord.EnableLocalDistribution(flagLocalPath, flagLocalPort, "", ""); err != nil {
			return err
		}
	}
	if flagUpstream != "" {
		host, port, err := net.SplitHostPort(flagUpstream)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return err
		}
		if err := coord.EnableUpstream(host, n, flagToken); err != nil {
			return err
		}
	}

	err = g.Wait()
	log.Info("Shutting down")
	return err
}
