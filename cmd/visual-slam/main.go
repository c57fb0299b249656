// Package main runs the SLAM core as a standalone process, waiting for an
// embedder to feed it frames.
package main

import (
	"context"
	"flag"

	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.viam.com/utils"

	visualslam "github.com/viamrobotics/visual-slam"
	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("visual-slam"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the SLAM configuration JSON")
	calibPath := flags.String("calib", "", "path to the left camera calibration JSON")
	debug := flags.Bool("debug", false, "enable debug logging")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	if *debug {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zlogger, err := zcfg.Build()
		if err != nil {
			return err
		}
		logger = zlogger.Sugar()
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	var leftCam *camera.Model
	var err error
	if *calibPath != "" {
		if leftCam, err = camera.NewModelFromJSONFile(*calibPath); err != nil {
			return err
		}
	} else {
		// a nominal VGA camera, enough to exercise the pipeline
		leftCam, err = camera.NewModel(camera.PinholeIntrinsics{
			Width: 640, Height: 480, Fx: 450, Fy: 450, Ppx: 320, Ppy: 240,
		}, nil, spatialmath.NewZeroSE3())
		if err != nil {
			return err
		}
	}

	system, err := visualslam.New(cfg, leftCam, nil, nil, logger)
	if err != nil {
		return err
	}
	defer system.Close()

	logger.Infow("visual-slam ready", "stereo", cfg.Stereo, "max_nb_keypoints", cfg.MaxNbKeypoints)
	<-ctx.Done()
	return nil
}
