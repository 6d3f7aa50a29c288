package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"sourcewatch/demo/tui"
)

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("url", envOr("SOURCEWATCH_URL", "http://localhost:8080"), "sourcewatch API URL")
	flag.Parse()

	program := tea.NewProgram(tui.NewModel(*serverURL))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
