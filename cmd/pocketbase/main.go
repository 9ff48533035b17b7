// Command pocketbase runs an embedded PocketBase with the attendance
// collections migrated, for deployments without an external server.
package main

import (
	"log"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"

	_ "presence-verifier/migrations"
)

func main() {
	app := pocketbase.New()

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		log.Printf("📦 PocketBase serving attendance collections at %s", se.Server.Addr)
		return se.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
