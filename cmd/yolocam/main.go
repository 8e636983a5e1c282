package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yolocam/internal/auth"
	"yolocam/internal/camera"
	"yolocam/internal/config"
	"yolocam/internal/database"
	"yolocam/internal/detection"
	"yolocam/internal/logging"
	"yolocam/internal/notify"
	"yolocam/internal/pipeline"
	"yolocam/internal/script"
	"yolocam/internal/services"
	"yolocam/internal/stream"
	"yolocam/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the yolocam.yaml configuration file")
		printF  = flag.Bool("print-config", false, "Print the effective configuration and exit")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
		hashF   = flag.Bool("hash-password", false, "Read a password from stdin, print its bcrypt hash for auth.password and exit")
	)
	flag.Parse()

	if *hashF {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *printF {
		if err := cfg.Write(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	if err := run(cfg, logger, *dbgF); err != nil {
		logger.Error("exited with error", zap.Error(err))
		logging.Sync(logger)
		os.Exit(1)
	}
	logger.Info("exited")
}

// hashPassword reads one line from r and writes its bcrypt hash to w
func hashPassword(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

func run(cfg *config.Config, logger *zap.Logger, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings store
	var store *database.Database
	{
		db, err := database.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		store = db
	}

	// Worker lifecycle and render pipeline
	var (
		workers *pipeline.WorkerManager
		bridge  *pipeline.CallbackBridge
		frames  *pipeline.FramePipeline
	)
	{
		backends := detection.NewGRPCBackendProvider(detection.BackendConfig{
			Endpoints: map[pipeline.Backend]string{
				pipeline.BackendCPU:       cfg.Inference.CPUEndpoint,
				pipeline.BackendGPU:       cfg.Inference.GPUEndpoint,
				pipeline.BackendGPUVendor: cfg.Inference.VendorEndpoint,
			},
			HealthService: cfg.Inference.HealthService,
			DialTimeout:   cfg.Inference.DialTimeout,
		}, logger)
		factory := detection.NewFactory(detection.WorkerOptions{
			ConfThreshold: cfg.Inference.ConfThreshold,
			NMSThreshold:  cfg.Inference.NMSThreshold,
			JPEGQuality:   cfg.Inference.JPEGQuality,
			LoadTimeout:   cfg.Inference.LoadTimeout,
			InferTimeout:  cfg.Inference.InferTimeout,
		}, logger)

		workers = pipeline.NewWorkerManager(factory, backends, logger)
		bridge = pipeline.NewCallbackBridge(pipeline.ThreadAttacher{}, logger)
		frames = pipeline.NewFramePipeline(workers, bridge, &pipeline.Orientation{}, logger)
	}

	// Output window and video socket
	var (
		window *stream.MJPEGWindow
		video  *stream.FrameSocket
	)
	{
		window = stream.NewMJPEGWindow(stream.WindowConfig{
			Quality:     cfg.Stream.Quality,
			QueueDepth:  cfg.Stream.QueueDepth,
			MinInterval: cfg.Stream.MinInterval,
		}, logger)
		video = stream.NewFrameSocket(logger)
		window.SetFrameListener(video.Broadcast)
	}

	// Detection listener fan-out
	var (
		fanout *notify.Fanout
		hub    *ws.DetectionHub
		host   *script.Executor
	)
	{
		fanout = notify.NewFanout(cfg.Notify.Buffer, logger)
		// Releasing the listener closes it first on a normal shutdown
		defer fanout.Close()
		if cfg.Notify.WebSocket {
			hub = ws.NewDetectionHub(logger)
			if err := fanout.Add(hub); err != nil {
				return err
			}
		}
		if cfg.Notify.Script {
			host = script.NewExecutor(logger)
			if err := fanout.Add(host); err != nil {
				return err
			}
		}
		if cfg.Notify.MQTT.Enabled {
			sink, err := notify.NewMQTTSink(notify.MQTTConfig{
				Broker:   cfg.Notify.MQTT.Broker,
				ClientID: cfg.Notify.MQTT.ClientID,
				Topic:    cfg.Notify.MQTT.Topic,
				QoS:      byte(cfg.Notify.MQTT.QoS),
				Username: cfg.Notify.MQTT.Username,
				Password: cfg.Notify.MQTT.Password,
			}, logger)
			if err != nil {
				logger.Warn("mqtt sink disabled", zap.Error(err))
			} else if err := fanout.Add(sink); err != nil {
				return err
			}
		}
		if cfg.Notify.Redis.Enabled {
			sink, err := notify.NewRedisSink(ctx, notify.RedisConfig{
				Addr:     cfg.Notify.Redis.Addr,
				Password: cfg.Notify.Redis.Password,
				DB:       cfg.Notify.Redis.DB,
				Channel:  cfg.Notify.Redis.Channel,
			}, logger)
			if err != nil {
				logger.Warn("redis sink disabled", zap.Error(err))
			} else if err := fanout.Add(sink); err != nil {
				return err
			}
		}
	}

	// Camera and control surface
	var control *services.Control
	{
		source := camera.NewSource(camera.Config{
			BackDevice:  cfg.Camera.BackDevice,
			FrontDevice: cfg.Camera.FrontDevice,
			FPS:         cfg.Camera.FPS,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			FFmpegPath:  cfg.Camera.FFmpegPath,
		}, frames, logger)

		opts := []services.Option{
			services.WithReloadRetention(cfg.Database.ReloadRetention),
			services.WithWindowStats(window),
			services.WithSinkStats(fanout),
			services.WithClientCounter("video", video),
		}
		if hub != nil {
			opts = append(opts, services.WithBroadcaster(hub), services.WithClientCounter("detections", hub))
		}
		if host != nil {
			opts = append(opts, services.WithScripts(host))
		}
		control = services.NewControl(workers, frames, bridge, source, store, cfg.Defaults, logger, opts...)
		control.SetOutputWindow(window)
		control.RegisterListener(fanout.Handle())
	}
	defer func() {
		if err := control.OnUnload(); err != nil {
			logger.Warn("unload failed", zap.Error(err))
		}
		video.Stop()
	}()

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	var detections http.Handler
	if hub != nil {
		detections = ws.NewHandler(hub)
	}
	api := services.NewHTTPServer(control, authenticator, window, video, detections, logger)
	srv := newHTTPServer(cfg, api, authenticator, logger, debug)

	if err := control.OnLoad(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return window.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", srv.Addr))

		wait := cfg.Server.ShutdownWait
		if wait <= 0 {
			wait = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
