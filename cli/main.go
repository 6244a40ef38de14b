// Command cli is a terminal client for the chat server. It keeps the open
// conversation in sync with every other device of the same user.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "JWT issued by /api/auth/login")
	conversation := flag.String("conversation", "", "Conversation to open on start")
	stream := flag.Bool("stream", true, "Stream replies instead of waiting for the full answer")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *token == "" {
		log.Fatalf("a token is required, pass -token or set CHAT_TOKEN")
	}

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.Authenticate(*token); err != nil {
		log.Fatalf("Authentication failed: %v", err)
	}
	fmt.Printf("Authenticated as %s (connection %s)\n", client.UserID(), client.ConnectionID())

	// Start reading messages in background
	go client.ReadMessages()

	if *conversation != "" {
		if err := client.Open(*conversation); err != nil {
			log.Printf("Open error: %v", err)
		}
	}

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /new [title], /list, /open <id>, /rename <title>, /delete, /quit")
	fmt.Println()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case <-client.Done():
			fmt.Println("\nConnection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}
			if err := client.Command(input, *stream); err != nil {
				log.Printf("Error: %v", err)
			}
		}
	}
}
