package main

import (
	"net/http"
	"os"
)

func main() {
	port := os.Getenv("KUBELAMP_PORT")
	if port == "" {
		port = "4466"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		os.Exit(1) // container marked unhealthy
	}
	os.Exit(0)
}
