package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/openmargin/marginrun/internal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment as-is")
	}

	config := internal.LoadConfig()
	handler := internal.NewMainHandler(config)
	os.Exit(handler.Run(context.Background()))
}
