package main

import (
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		logrus.Fatalf("fiscal inbox stopped: %v", err)
	}
}
