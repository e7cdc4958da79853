// Command clubrotor runs the club movie rotation service.
package main

import (
	"log"

	"clubrotor/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
