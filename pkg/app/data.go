package app

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// runWebServer starts the monitors web server and listens for web requests.
//  It's designed to run in a separate go function to not block the main go function.
//  e.g.: go runWebServer()
//  See app.Run()
func (app *App) runWebServer() {
	err := app.web.Listen(app.urlParsed.Host)
	debug.ErrorLog.Print(err)
}

// HandleData is the get last measurement web handler.
func (app *App) HandleData() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request data")

		app.measurement.Lock()
		m := app.measurement.data
		app.measurement.Unlock()

		return ctx.JSON(fiber.Map{
			"time":   m.Time,
			"pm2.5":  m.PM25,
			"pm10":   m.PM10,
			"device": fmt.Sprintf("0x%04X", app.deviceID),
		})
	}
}
