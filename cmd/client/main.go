package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/internal/client"
	"github.com/relaykit/chatrelay/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8888", "Relay server URL")
	token := flag.String("token", "", "Bearer token for authentication")
	room := flag.String("room", "", "Room to join")
	historyCount := flag.Int("history", 20, "Number of history messages to request on join")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)

	if *room == "" {
		logger.Fatal().Msg("room is required, use -room")
	}

	ids := client.NewFileID(filepath.Join(os.TempDir(), "chatrelay-client-id"))
	session, err := client.Connect(*serverURL, *token, ids, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer session.Close()

	joined := make(chan error, 1)
	handle, err := session.Join(*room, printMessage, func(ok bool, err error) {
		if ok {
			joined <- nil
		} else {
			joined <- err
		}
	}, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to send join request")
	}

	select {
	case err := <-joined:
		if err != nil {
			logger.Fatal().Err(err).Str("room", *room).Msg("join rejected")
		}
	case <-time.After(10 * time.Second):
		logger.Fatal().Msg("timed out waiting for join response")
	}

	fmt.Printf("Joined %s. Type your messages (or 'quit' to exit):\n", *room)

	if *historyCount > 0 {
		if err := handle.RequestHistory(time.Now(), *historyCount); err != nil {
			logger.Warn().Err(err).Msg("failed to request history")
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}
		if _, err := handle.Send("markdown", text); err != nil {
			logger.Warn().Err(err).Msg("failed to send message")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("error reading input")
	}

	handle.Leave()
	fmt.Println("Left room")
}

func printMessage(msg protocol.Message) {
	when := msg.Timestamp.Local().Format(time.Kitchen)
	marker := ""
	if !msg.New {
		marker = " (history)"
	}
	fmt.Printf("[%s] %s%s: %s\n", when, msg.Name, marker, msg.Contents)
}
