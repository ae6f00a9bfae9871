package jaeger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfig(t *testing.T) {
	Convey("the defaults validate on their own", t, func() {
		cfg := DefaultConfig()
		So(cfg.Validate(), ShouldBeNil)
		So(cfg.ActiveProfile().Interface, ShouldEqual, "virtual")
		So(cfg.Positioner.MotorSteps, ShouldEqual, int64(1<<30))
		So(cfg.Positioner.ReachedTolerance, ShouldEqual, 0.1)
	})

	Convey("a user file overrides the defaults", t, func() {
		path := filepath.Join(t.TempDir(), "jaeger.yaml")
		content := []byte(`
profile: lab
profiles:
  lab:
    interface: cannet
    channel: 10.1.10.110
    port: 19228
    bitrate: 1000000
    buses: [1, 2, 3, 4]
positioner:
  trajectory_data_n_points: 5
  disabled: [101, 102]
pollers:
  status_interval: 2
safe_mode:
  enabled: true
  min_beta: 155
`)
		So(os.WriteFile(path, content, 0o644), ShouldBeNil)

		cfg, err := LoadConfig(path)
		So(err, ShouldBeNil)

		So(cfg.Profile, ShouldEqual, "lab")
		So(cfg.ActiveProfile().Interface, ShouldEqual, "cannet")
		So(cfg.ActiveProfile().Buses, ShouldResemble, []int{1, 2, 3, 4})
		So(cfg.Positioner.TrajectoryPoints, ShouldEqual, 5)
		So(cfg.Positioner.Disabled, ShouldResemble, []int{101, 102})
		So(cfg.Pollers.StatusInterval, ShouldEqual, 2)
		So(cfg.Pollers.StatusEvery(), ShouldEqual, 2*time.Second)
		So(cfg.SafeMode.Enabled, ShouldBeTrue)
		So(cfg.SafeMode.MinBeta, ShouldEqual, 155)

		// untouched knobs keep their defaults
		So(cfg.Positioner.MotorSteps, ShouldEqual, int64(1<<30))
		So(cfg.Pollers.PositionInterval, ShouldEqual, 5)
	})

	Convey("the environment overrides the files", t, func() {
		os.Setenv("JAEGER_LOCKFILE", "/tmp/other.lock")
		defer os.Unsetenv("JAEGER_LOCKFILE")

		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		So(err, ShouldBeNil)
		So(cfg.LockfilePath, ShouldEqual, "/tmp/other.lock")
	})

	Convey("broken configurations are rejected", t, func() {
		cfg := DefaultConfig()
		cfg.Profile = "nope"
		_, isInvalid := cfg.Validate().(*InvalidConfigurationError)
		So(isInvalid, ShouldBeTrue)

		cfg = DefaultConfig()
		cfg.Positioner.TrajectoryPoints = 0
		So(cfg.Validate(), ShouldNotBeNil)

		cfg = DefaultConfig()
		cfg.Profiles["virtual"] = CANProfile{Interface: "pigeon", Buses: []int{0}}
		So(cfg.Validate(), ShouldNotBeNil)
	})
}
