package main

import (
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/astroworks/gopmc/mirror"
	"github.com/astroworks/gopmc/mirror/stepper"
)

// floatArg and intArg read a positional argument, refusing a bare command
// instead of indexing past the end of the slice.
func floatArg(args []string, i int) (float64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	return strconv.ParseFloat(args[i], 64)
}

func intArg(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	return strconv.Atoi(args[i])
}

// deviceShell builds the local development shell. It talks straight to the
// controller, bypassing authentication, so it only ever runs on the device
// console.
func deviceShell(controller *mirror.Controller) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Primary mirror development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true) // yes, revert when done.

			// get email
			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			// get password
			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			// create user
			user := &User{
				Email: email,
				Name:  email,
				Role:  RoleOperator,
			}
			if err := user.SetPassword([]byte(password)); err != nil {
				c.Err(err)
				return
			}
			if err := ENV.DB.Save(user); err != nil {
				panic(err)
			}

			c.Println("Superuser created")
		},
	})

	//---
	// Device specific commands
	//---
	shell.AddCmd(&ishell.Cmd{
		Name: "mode",
		Help: "mode <0:stop|1:relative|2:absolute>",
		Func: func(c *ishell.Context) {
			v, err := intArg(c.Args, 0)
			if err != nil {
				c.Err(err)
				return
			}
			mode, err := mirror.ParseControlMode(uint8(v))
			if err != nil {
				c.Err(err)
				return
			}
			controller.SetControlMode(mode)
			c.Printf("Mode set to %s\n", mode)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "tip",
		Help: "tip <microradians>",
		Func: func(c *ishell.Context) {
			v, err := floatArg(c.Args, 0)
			if err != nil {
				c.Err(err)
				return
			}
			if err := controller.SetTip(v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "tilt",
		Help: "tilt <microradians>",
		Func: func(c *ishell.Context) {
			v, err := floatArg(c.Args, 0)
			if err != nil {
				c.Err(err)
				return
			}
			if err := controller.SetTilt(v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "focus",
		Help: "focus <microns>",
		Func: func(c *ishell.Context) {
			v, err := floatArg(c.Args, 0)
			if err != nil {
				c.Err(err)
				return
			}
			if err := controller.SetFocus(v); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "home",
		Help: "home <rad_per_sec>",
		Func: func(c *ishell.Context) {
			v := 0.0
			if len(c.Args) >= 1 {
				v, _ = strconv.ParseFloat(c.Args[0], 64)
			}
			c.Println("Homing all axes")
			controller.FindHome(v)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "halt all motion immediately",
		Func: func(c *ishell.Context) {
			controller.Stop()
			c.Println("Stopped")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "enable",
		Help: "enable <0|1> latch the stepper drivers",
		Func: func(c *ishell.Context) {
			on := len(c.Args) >= 1 && c.Args[0] != "0"
			controller.Enable(on)
			c.Printf("Drivers enabled: %v\n", on)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "read the current device state",
		Func: func(c *ishell.Context) {
			c.Printf("State: %s  Mode: %s  Enabled: %v\n",
				controller.State(), controller.Mode(), controller.Enabled())
			bits := controller.StatusAll()
			for i, axis := range stepper.Axes {
				c.Printf("  %s: running=%v faulted=%v home=%v\n",
					axis, bits[i].Running, bits[i].Faulted, bits[i].AtHome)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "positions",
		Help: "read step counts and the estimated pose",
		Func: func(c *ishell.Context) {
			pos := controller.Positions()
			pose := controller.Feedback()
			for i, axis := range stepper.Axes {
				c.Printf("  %s: %d steps\n", axis, pos[i])
			}
			c.Printf("  tip=%g rad  tilt=%g rad  focus=%g um\n", pose.Tip, pose.Tilt, pose.Focus)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "fan",
		Help: "fan <percent>",
		Func: func(c *ishell.Context) {
			v, err := intArg(c.Args, 0)
			if err != nil || v < 0 || v > 100 {
				c.Err(fmt.Errorf("fan wants a percentage 0..100"))
				return
			}
			if err := controller.SetFanSpeed(uint8(v)); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "resetpos",
		Help: "zero the persisted position record",
		Func: func(c *ishell.Context) {
			if err := controller.ResetPositions(); err != nil {
				c.Err(err)
				return
			}
			c.Println("Position record reset")
		},
	})

	return shell
}
