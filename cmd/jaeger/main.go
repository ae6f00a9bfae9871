package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/sirupsen/logrus"

	jaeger "github.com/sdss/jaeger"
	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/fps"
)

func main() {
	configPath := flag.String("config", "", "Path to the user configuration file")
	profile := flag.String("profile", "", "CAN profile to use, overriding the configuration")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config, err := jaeger.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("unable to load configuration: %v", err)
	}
	if *profile != "" {
		config.Profile = *profile
		if err = config.Validate(); err != nil {
			logrus.Fatal(err)
		}
	}

	var buses []canbus.Bus
	if config.ActiveProfile().Interface == "virtual" {
		// back the virtual profile with a small simulated fleet so the
		// shell is usable without hardware
		vbus := canbus.NewVirtualBus(0, config.ActiveProfile().Buses)
		sim := fps.NewSimulator(vbus, config.Positioner.MotorSteps, config.Positioner.TimeStep)
		for id := 1; id <= 3; id++ {
			sim.AddPositioner(id, 0, 180)
		}
		buses = append(buses, vbus)
	}

	f, err := fps.NewFPS(config, buses...)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx := context.Background()
	if err = f.Initialise(ctx); err != nil {
		logrus.Fatal(err)
	}
	defer f.Shutdown()

	f.Events().Subscribe(func(evt fps.Event) {
		logrus.WithField("positioner", evt.PositionerID).Warnf("FPS locked (%v)", evt.Payload)
	}, fps.EventLocked)

	shell := ishell.New()
	shell.Println("jaeger FPS controller")

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show the fleet status",
		Func: func(c *ishell.Context) {
			for id, snap := range f.Positioners() {
				pos := "unknown"
				if snap.HasPosition {
					pos = fmt.Sprintf("(%.2f, %.2f)", snap.Alpha, snap.Beta)
				}
				c.Printf("%4d  fw=%s  pos=%s  disabled=%v offline=%v collided=%v\n",
					id, snap.Firmware, pos, snap.Disabled, snap.Offline, snap.Status.IsCollided())
			}
			if f.Locked() {
				c.Printf("FPS LOCKED by %v\n", f.LockedBy())
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "goto",
		Help: "goto <id> <alpha> <beta>: move one positioner",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 3 {
				c.Err(fmt.Errorf("usage: goto <id> <alpha> <beta>"))
				return
			}
			id, _ := strconv.Atoi(c.Args[0])
			alpha, _ := strconv.ParseFloat(c.Args[1], 64)
			beta, _ := strconv.ParseFloat(c.Args[2], 64)
			if err := f.Goto(ctx, id, alpha, beta, 0, 0); err != nil {
				c.Err(err)
				return
			}
			c.Println("done")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "trajectory",
		Help: "trajectory <file>: send a trajectory from a YAML file",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: trajectory <file>"))
				return
			}
			data, err := fps.LoadTrajectoryFile(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			if err = f.SendTrajectory(ctx, data); err != nil {
				c.Err(err)
				return
			}
			c.Println("trajectory completed")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "abort",
		Help: "abort the executing trajectory",
		Func: func(c *ishell.Context) {
			f.AbortTrajectory()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "lock",
		Help: "engage the fleet lock",
		Func: func(c *ishell.Context) {
			f.Lock()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "unlock",
		Help: "clear the fleet lock",
		Func: func(c *ishell.Context) {
			f.Unlock()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "disable",
		Help: "disable <id>: exclude a positioner from motion",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: disable <id>"))
				return
			}
			id, _ := strconv.Atoi(c.Args[0])
			if err := f.Disable(id); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "enable",
		Help: "enable <id>: re-enable a disabled positioner",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: enable <id>"))
				return
			}
			id, _ := strconv.Atoi(c.Args[0])
			if err := f.Enable(id); err != nil {
				c.Err(err)
			}
		},
	})

	shell.Run()
}
