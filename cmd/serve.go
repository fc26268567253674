package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/media"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/server"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveCamera string
	servePort   int
	serveMQTT   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recognize faces on the camera stream and serve the annotated feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveCamera, "camera", "", "Camera index or stream URL, overrides camera.device")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port, overrides server.port")
	serveCmd.Flags().StringVar(&serveMQTT, "mqtt", "", "MQTT broker host:port; results are published when set")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	overrideServeFlags()
	log := logger

	det, err := newDetector(ctx, cfg.Recognition, log)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	var opts []pipeline.Option
	var mqtt *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mqtt = emitter.New(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, log.With().Str("component", "mqtt").Logger())
		if err := mqtt.Connect(ctx); err != nil {
			utils.ShowError("Failed to connect to MQTT broker", err, nil)
			return err
		}
		defer mqtt.Disconnect()
		opts = append(opts, pipeline.WithResultHook(mqtt.Hook))
	}

	p := newPipeline(newRecognizer(det, Repo, cfg.Recognition, log), cfg, log, opts...)
	defer p.Close()

	camera, err := media.OpenCamera(media.CameraConfig{
		Device: cfg.Camera.Device,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	}, log)
	if err != nil {
		err = fmt.Errorf("%w: %w", pipeline.ErrCaptureUnavailable, err)
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}

	hub := server.NewHub()
	srv := server.New(cfg.Server.Addr(), server.Deps{
		Pipeline: p,
		Repo:     Repo,
		Hub:      hub,
		Decode:   media.DecodeImage,
		Extra: func() map[string]any {
			if mqtt == nil {
				return nil
			}
			return map[string]any{"mqtt": mqtt.Stats()}
		},
		Log: log.With().Str("component", "http").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		// Stream closes the camera on every return path
		err := p.Stream(gctx, camera, func(f frame.Frame) error {
			jpeg, err := media.EncodeJPEG(f)
			if err != nil {
				log.Warn().Err(err).Str("stage", "encode").Msg("dropping frame")
				return nil
			}
			hub.Publish(jpeg)
			return nil
		})
		hub.Close()
		if err == nil {
			// The device ran dry; treat it like a capture failure so the server stops too.
			return fmt.Errorf("%w: camera stream ended", pipeline.ErrCaptureUnavailable)
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info().Msg("shutting down")
		err = nil
	}
	if err != nil {
		utils.ShowError("Live stream stopped", err, nil)
	}

	stats := p.Stats()
	log.Info().
		Uint64("frames", stats.Frames).
		Uint64("hits", stats.Hits).
		Uint64("runs", stats.Runs).
		Uint64("dropped", stats.Dropped).
		Msg("stream summary")
	return err
}

// overrideServeFlags applies the serve flags that were set explicitly. Flags are parsed
// before the config is loaded, so they cannot write into cfg directly.
func overrideServeFlags() {
	flags := serveCmd.Flags()
	if flags.Changed("camera") {
		cfg.Camera.Device = serveCamera
	}
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("mqtt") {
		cfg.MQTT.Broker = serveMQTT
	}
}
