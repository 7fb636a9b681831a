package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"starknet-etl/internal/api"
)

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}

	srv := api.NewServer()
	logrus.Infof("control API server listening on :%s", port)
	if err := srv.Run(port); err != nil {
		logrus.Fatalf("server stopped with error: %v", err)
	}
}
