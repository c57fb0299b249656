package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.CheckValid(), test.ShouldBeNil)
}

func TestCheckValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 8
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.PyramidLevels = 0
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.BRIEF.N = 100
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.MaxNbKeypoints = 0
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slam.json")
	content := `{
		"stereo": true,
		"initial_parallax": 25.5,
		"max_nb_keypoints": 150
	}`
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Stereo, test.ShouldBeTrue)
	test.That(t, cfg.InitialParallax, test.ShouldEqual, 25.5)
	test.That(t, cfg.MaxNbKeypoints, test.ShouldEqual, 150)
	// unset fields keep their defaults
	test.That(t, cfg.PyramidLevels, test.ShouldEqual, DefaultConfig().PyramidLevels)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRuntimeState(t *testing.T) {
	s := NewRuntimeState()
	test.That(t, s.VisionInitialized.Load(), test.ShouldBeFalse)
	s.VisionInitialized.Store(true)
	s.ResetRequired.Store(true)
	s.P3PRequired.Store(true)
	s.Reset()
	test.That(t, s.VisionInitialized.Load(), test.ShouldBeFalse)
	test.That(t, s.ResetRequired.Load(), test.ShouldBeFalse)
	test.That(t, s.P3PRequired.Load(), test.ShouldBeFalse)
}
