package app

import (
	"net/url"
	"sync"
	"time"

	"sdsmon/pkg/app/config"
	"sdsmon/pkg/mqtt"
	"sdsmon/pkg/port"
	"sdsmon/pkg/sds011"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// App is the main application struct.
// App is where the application is wired up.
type App struct {
	// web is the fiber web framework instance
	web *fiber.App

	// config is the application configuration
	config *config.Config

	// urlParsed contains the parsed Config.Url parameter
	// and makes it easier to get params out of e.g.
	// url: https://0.0.0.0:4000/?minTls=1.2&bodyLimit=50MB
	urlParsed *url.URL

	// mqtt is the handler to the mqtt broker
	mqtt *mqtt.Handler

	// port is the handler to the serial port of the sensor
	port *port.Port

	// dev is the protocol session with the sensor on port
	dev *sds011.Device

	// deviceID is the sensor id captured while connecting, kept here so
	// the web handlers never touch the single threaded protocol session
	deviceID uint16

	// started is the time the application was started (see HandleHealth)
	started time.Time

	// measurement is the last measurement fetched from the sensor
	measurement struct {
		sync.Mutex
		data sds011.Measurement
	}

	// mqttData is the measurement last sent to the mqtt broker
	mqttData struct {
		sync.Mutex
		data sds011.Measurement
	}
}

// New checks the Web server URL and initialize the main app structure
func New(config *config.Config) (*App, error) {
	u, err := url.Parse(config.Webserver.URL)
	if err != nil {
		debug.ErrorLog.Printf("Error parsing url %q: %s", config.Webserver.URL, err.Error())
		return &App{}, err
	}

	return &App{
		config:    config,
		urlParsed: u,

		web:  fiber.New(),
		mqtt: mqtt.New(),

		started: time.Now(),
	}, err
}

// Run starts the application: without the monitor flag the command line
// actions run once and Run returns when they are done, with it the
// measuring service and the web server are started and Run returns
// immediately.
func (app *App) Run() error {
	if err := app.init(); err != nil {
		return err
	}

	if !app.config.Flag.Monitor {
		return app.oneShot()
	}

	go app.mqtt.Service()
	go app.runWebServer()
	go app.service()

	return nil
}

// init initializes the application.
func (app *App) init() (err error) {
	port.LoadDriver()

	if app.port, err = port.Open(app.config.Device); err != nil {
		debug.ErrorLog.Printf("can't open serial port: %v", err)
		return err
	}

	app.dev = sds011.New(app.port)
	if err = app.dev.Connect(); err != nil {
		debug.ErrorLog.Printf("can't reach sensor: %v", err)
		return err
	}
	app.deviceID = app.dev.ID()

	if h := app.config.Humidity; h != 0 {
		if err = app.dev.SetHumidity(h); err != nil {
			debug.ErrorLog.Printf("humidity correction: %v", err)
			return err
		}
	}

	if app.config.Flag.Monitor {
		if err = app.mqtt.Connect(app.config.MQTT.Connection, MODULE); err != nil {
			debug.ErrorLog.Printf("can't open mqtt broker %v", err)
			return err
		}

		// initDefaultRoutes should always be called last because the handlers
		// may access things which must be initialized before
		app.initDefaultRoutes()
	}

	return nil
}

func (app *App) Close() error {
	if app.mqtt != nil {
		_ = app.mqtt.Disconnect()
	}

	if app.port != nil {
		_ = app.port.Close()
	}

	return nil
}
