package app

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

// HandleHealth reports liveness and a few process numbers.
// output example:
//  {"Uptime":"2h3m0s","NumGoroutines":9,"HeapAllocatedBytes":2103240,
//   "HeapAllocatedMB":2,"SysMemoryBytes":73747464,"SysMemoryMB":70,
//   "Version":"1.6.08+20260801","ProgLang":"go1.16.5"}
func (app *App) HandleHealth() fiber.Handler {
	bToMb := func(b uint64) uint64 {
		return b / 1024 / 1024
	}

	host, _ := os.Hostname()

	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request health")

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		healthData := struct {
			Uptime             string
			NumGoroutines      int
			HeapAllocatedBytes uint64
			HeapAllocatedMB    uint64
			SysMemoryBytes     uint64
			SysMemoryMB        uint64
			Version            string
			ProgLang           string
			HostName           string
			Time               string
		}{
			Uptime:             time.Since(app.started).Round(time.Second).String(),
			NumGoroutines:      runtime.NumGoroutine(),
			HeapAllocatedBytes: m.Alloc,
			HeapAllocatedMB:    bToMb(m.Alloc),
			SysMemoryBytes:     m.Sys,
			SysMemoryMB:        bToMb(m.Sys),
			ProgLang:           runtime.Version(),
			Version:            VERSION,
			HostName:           host,
			Time:               time.Now().Format(time.RFC3339),
		}

		ctx.Status(http.StatusOK)
		return ctx.JSON(healthData)
	}
}
