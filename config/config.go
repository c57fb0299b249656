// Package config holds the SLAM configuration: an immutable parameter block
// loaded once at startup, and a small atomically-updated runtime state shared
// between the tracker and the mapper.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"github.com/viamrobotics/visual-slam/features"
	"github.com/viamrobotics/visual-slam/klt"
)

// Config is the immutable SLAM parameter block. It is shared by reference and
// never mutated after load.
type Config struct {
	// UsePrior enables map-point-driven KLT seeding for 3D keypoints.
	UsePrior bool `json:"use_prior"`
	// Stereo enables the mapper's stereo triangulation step.
	Stereo bool `json:"stereo"`

	// InitialParallax is the median parallax, in pixels, above which vision
	// is declared initialized.
	InitialParallax float64 `json:"initial_parallax"`

	// PyramidLevels and PyramidSigma shape the KLT image pyramids.
	PyramidLevels int     `json:"pyramid_levels"`
	PyramidSigma  float64 `json:"pyramid_sigma"`
	// WindowSize is the KLT tracking window side.
	WindowSize int `json:"window_size"`
	// MaxKLTDistance is the forward-backward consistency tolerance in pixels.
	MaxKLTDistance float64 `json:"max_klt_distance"`

	// MaxReprojectionError is the triangulation acceptance threshold in pixels.
	MaxReprojectionError float64 `json:"max_reprojection_error"`

	// MaxNbKeypoints is the per-frame keypoint budget; the local map is sized
	// at ten times this.
	MaxNbKeypoints int `json:"max_nb_keypoints"`
	// CellSize is the side of the occupancy grid cells used when extracting
	// new keypoints on a keyframe.
	CellSize int `json:"cell_size"`

	// MaxProjectionDistance and MaxDescriptorDistance gate local-map matching.
	MaxProjectionDistance float64 `json:"max_projection_distance"`
	MaxDescriptorDistance int     `json:"max_descriptor_distance"`
	// DoLocalMatching enables local-map matching in the mapper.
	DoLocalMatching bool `json:"do_local_matching"`

	// KeyframeQueueSize bounds the mapper's keyframe FIFO.
	KeyframeQueueSize int `json:"keyframe_queue_size"`

	FAST  features.FASTConfig  `json:"fast"`
	BRIEF features.BRIEFConfig `json:"brief"`
}

// DefaultConfig returns the parameters used when no configuration file is
// provided.
func DefaultConfig() *Config {
	return &Config{
		UsePrior:              true,
		Stereo:                false,
		InitialParallax:       20.0,
		PyramidLevels:         3,
		PyramidSigma:          1.0,
		WindowSize:            9,
		MaxKLTDistance:        0.5,
		MaxReprojectionError:  3.0,
		MaxNbKeypoints:        300,
		CellSize:              35,
		MaxProjectionDistance: 2.0,
		MaxDescriptorDistance: 80,
		DoLocalMatching:       true,
		KeyframeQueueSize:     32,
		FAST:                  features.FASTConfig{Threshold: 20, NMatchesCircle: 9, NMSWinSize: 7},
		BRIEF:                 features.BRIEFConfig{N: 256, Sampling: features.SamplingUniform, PatchSize: 31, BlurSigma: 2.0},
	}
}

// LoadConfig loads a Config from a json file, filling unset fields with
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	configFile, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "error opening config file")
	}
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err := json.NewDecoder(configFile).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckValid checks if the fields of the Config have valid inputs.
func (c *Config) CheckValid() error {
	if c.PyramidLevels < 1 {
		return errors.Errorf("pyramid_levels must be at least 1, got %d", c.PyramidLevels)
	}
	if c.WindowSize < 3 || c.WindowSize%2 == 0 {
		return errors.Errorf("window_size must be odd and at least 3, got %d", c.WindowSize)
	}
	if c.MaxNbKeypoints <= 0 {
		return errors.Errorf("max_nb_keypoints must be positive, got %d", c.MaxNbKeypoints)
	}
	if c.MaxReprojectionError <= 0 {
		return errors.Errorf("max_reprojection_error must be positive, got %v", c.MaxReprojectionError)
	}
	if c.BRIEF.N%64 != 0 || c.BRIEF.N <= 0 {
		return errors.Errorf("brief n must be a positive multiple of 64, got %d", c.BRIEF.N)
	}
	if c.KeyframeQueueSize <= 0 {
		return errors.Errorf("keyframe_queue_size must be positive, got %d", c.KeyframeQueueSize)
	}
	return nil
}

// TrackConfig derives the KLT tracker parameters from the config.
func (c *Config) TrackConfig() *klt.TrackConfig {
	tc := klt.DefaultTrackConfig()
	tc.WindowSize = c.WindowSize
	return tc
}

// RuntimeState is the mutable state shared across the tracker, the mapper,
// and the estimator. All fields are atomic; no lock is required.
type RuntimeState struct {
	// VisionInitialized flips to true once enough parallax has been observed.
	VisionInitialized *atomic.Bool
	// ResetRequired asks the front end to reset the whole system on its next
	// cycle.
	ResetRequired *atomic.Bool
	// P3PRequired is raised when too few 3D priors survived tracking. It is
	// set but not consumed; the pose-recovery path does not exist yet.
	P3PRequired *atomic.Bool
}

// NewRuntimeState returns a RuntimeState with all flags cleared.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		VisionInitialized: atomic.NewBool(false),
		ResetRequired:     atomic.NewBool(false),
		P3PRequired:       atomic.NewBool(false),
	}
}

// Reset clears all runtime flags.
func (s *RuntimeState) Reset() {
	s.VisionInitialized.Store(false)
	s.ResetRequired.Store(false)
	s.P3PRequired.Store(false)
}
