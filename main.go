package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/asdine/storm/v3"
	"github.com/astroworks/gopmc/comms"
	"github.com/astroworks/gopmc/mirror"
	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"MIRROR_DEVICE_UUID" envDefault:"DEV"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	CONFDIR    string `env:"CONFDIR" envDefault:"."`
	HTMLDIR    string `env:"HTMLDIR" envDefault:"./frontend/dist/"`
	DATADIR    string `env:"DATADIR" envDefault:"./tmp"`
	DB         *storm.DB
	Controller *mirror.Controller
	Conductor  *comms.Conductor
	Simulated  bool
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		log.Printf("unable to parse environment, using defaults: %v", err)
	}

	if _, err := os.Stat(ENV.DATADIR); os.IsNotExist(err) {
		os.Mkdir(ENV.DATADIR, 0755)
	}

	db, err := openDb(filepath.Join(ENV.DATADIR, "mirror.db"))
	if err != nil {
		panic(err)
	}
	ENV.DB = db

	return
}

func main() {
	simulated := flag.Bool("sim", false, "Run the device in simulator mode")
	port := flag.String("port", "0.0.0.0:80", "Specify the ip:port to listen on")
	confFile := flag.String("config", "", "Override the mirror config file location")
	flag.Parse()

	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	defer ENV.DB.Close() // close database when finished

	//---
	// Build the device
	//---
	filename := *confFile
	if filename == "" {
		var err error
		filename, err = filepath.Abs(ENV.CONFDIR + "/mirror_config.yaml")
		if err != nil {
			panic(err)
		}
	}

	config, err := mirror.LoadConfig(filename)
	if err != nil {
		panic(fmt.Sprintf("Unable to load mirror config: %v", err))
	}

	ENV.Simulated = *simulated
	bank, fan, err := buildBank(config, ENV.Simulated)
	if err != nil {
		panic(fmt.Sprintf("Unable to initialize stepper bank: %v", err))
	}
	defer bank.Close()

	bridge, err := mirror.NewPersistenceBridge(ENV.DB)
	if err != nil {
		panic(err)
	}

	controller := mirror.NewController(config, bank, fan, bridge)
	controller.LoadPositions()
	ENV.Controller = controller

	ENV.Conductor = comms.NewConductor(controller)

	ctx := context.Background()
	go controller.Run(ctx)
	go ENV.Conductor.PushNotifications(ctx)

	//---
	// Create a local shell
	//---
	go deviceShell(controller).Start()

	//---
	// Build the API routes
	//---
	r.Route("/api", func(r chi.Router) {
		// login
		r.Post("/login", Login)

		r.Group(func(r chi.Router) {
			// Seek, verify and validate JWT tokens
			r.Use(ValidateJWT)

			r.Get("/refresh_token", JWTRefresh)

			// any authenticated account may observe
			r.Get("/status", GetStatus)
			r.Get("/positions", GetPositions)

			// motion and actuator commands are operator only
			r.Group(func(r chi.Router) {
				r.Use(RequireOperator)

				r.Post("/mode", SetMode)
				r.Post("/target", SetTarget)
				r.Post("/home", StartHoming)
				r.Post("/stop", StopDevice)
				r.Post("/fan", SetFan)
			})
		})
	})

	// Add websocket routes. The control socket carries motion commands, so
	// it takes the full operator gate.
	r.Route("/ws", func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT, RequireOperator)
		} else {
			fmt.Println("Running in debug mode. Authentication disabled.")
		}

		r.Get("/control", ControlSocketHandler)
	})

	// everything else is the frontend bundle
	staticFiles(r, ENV.HTMLDIR)

	fmt.Println("Listening on port", *port)
	if err := http.ListenAndServe(*port, r); err != nil {
		log.Fatal(err)
	}
}

// buildBank selects the driver backend from the config. The -sim flag forces
// the simulator regardless of what the config names, so a dev machine can run
// a hardware config untouched.
func buildBank(config mirror.Config, simulated bool) (bank stepper.Bank, fan stepper.Fan, err error) {
	driver := config.Driver
	if simulated {
		driver = "sim"
	}

	switch driver {
	case "sim":
		println("Creating simulated stepper bank")
		sim := stepper.NewSimBank(config.SimFloorSteps)
		sim.Enable(true)
		return sim, &stepper.SimFan{}, nil

	case "gpio":
		bank, err = stepper.NewGPIOBank(config.GPIO)
		if err != nil {
			return nil, nil, err
		}
		return bank, stepper.NewPWMFan(config.FanPin), nil

	case "serial":
		bank, err = stepper.NewSerialBank(config.Serial)
		if err != nil {
			return nil, nil, err
		}
		// the driver board has no fan header; record speed commands only
		return bank, &stepper.SimFan{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver %q", config.Driver)
	}
}

// openDb opens the device database and prepares the account bucket, so the
// first login does not race bucket creation. The position record bucket is
// owned by the persistence bridge.
func openDb(dbFile string) (*storm.DB, error) {
	db, err := storm.Open(dbFile)
	if err != nil {
		return nil, err
	}

	if err := db.Init(&User{}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// staticFiles mounts the frontend bundle under the router root, below the
// API and websocket routes.
func staticFiles(r chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}
