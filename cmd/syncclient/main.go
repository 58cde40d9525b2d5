package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"collabsync/internal/auth"
	"collabsync/internal/client"
	"collabsync/internal/crdt"
	"collabsync/internal/logging"
	"collabsync/internal/models"
	"collabsync/internal/offline"
	"collabsync/internal/protocol"

	"github.com/automerge/automerge-go"
	"github.com/joho/godotenv"
)

// syncclient joins a document and turns each "key=value" line on stdin into
// an edit. Edits made while the server is unreachable are replayed on reconnect.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	docID := flag.String("doc", "", "document id to join")
	token := flag.String("token", "", "bearer token; minted from JWT_SECRET when empty")
	userID := flag.String("user", "dev", "user id for a minted token")
	userName := flag.String("name", "", "display name for a minted token")
	pretty := flag.Bool("pretty", true, "human readable logs")
	flag.Parse()

	log := logging.New(os.Getenv("LOG_LEVEL"), *pretty)

	if *docID == "" {
		return fmt.Errorf("-doc is required")
	}

	if *token == "" {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("pass -token or set JWT_SECRET to mint one")
		}
		name := *userName
		if name == "" {
			name = *userID
		}
		minted, err := auth.NewIssuer(secret, 24*time.Hour).Issue(models.UserInfo{ID: *userID, Name: name})
		if err != nil {
			return err
		}
		*token = minted
	}

	// Learning: the editor is a second automerge document that produces
	// updates; the client's own replica tracks what the server confirmed
	var mu sync.Mutex
	editor := automerge.New()

	c := client.New(client.Config{
		URL:        *url,
		Token:      *token,
		UserID:     *userID,
		DocumentID: *docID,
	}, crdt.NewAutomerge(), client.Callbacks{
		OnState: func(s protocol.DocumentState) {
			mu.Lock()
			defer mu.Unlock()
			if s.Version > 0 {
				if err := editor.LoadIncremental(s.State); err != nil {
					log.Error().Err(err).Msg("failed to load document state")
				}
			}
			log.Info().Uint64("version", s.Version).Interface("clock", s.VectorClock).Msg("joined")
		},
		OnRemote: func(u protocol.RemoteUpdate) {
			mu.Lock()
			defer mu.Unlock()
			if err := editor.LoadIncremental(u.Update); err != nil {
				log.Error().Err(err).Msg("failed to merge remote update")
			}
			log.Info().Str("author", u.AuthorUserID).Uint64("sequence", u.SequenceNumber).Msg("remote edit")
		},
		OnAck: func(a protocol.UpdateAck) {
			log.Debug().Uint64("client_operation_id", a.ClientOperationID).Bool("duplicate", a.Duplicate).Msg("acked")
		},
		OnJoined: func(u protocol.UserJoined) {
			log.Info().Str("user", u.Username).Str("color", u.Color).Msg("user joined")
		},
		OnLeft: func(u protocol.UserLeft) {
			log.Info().Str("user", u.Username).Msg("user left")
		},
		OnError: func(e *client.ServerError) {
			log.Warn().Str("code", string(e.Code)).Msg(e.Message)
		},
		OnDrop: func(p offline.Pending, err error) {
			log.Warn().Err(err).Uint64("client_operation_id", p.ID).Msg("offline edit lost")
		},
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
			if !ok || key == "" {
				fmt.Fprintln(os.Stderr, "expected key=value")
				continue
			}

			mu.Lock()
			err := editor.Path(key).Set(value)
			update := editor.SaveIncremental()
			mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("edit failed")
				continue
			}

			if _, err := c.Submit(update); err != nil {
				log.Error().Err(err).Msg("submit failed")
			}
		}
	}()

	err := c.Run(ctx)

	if pending := c.Pending(); len(pending) > 0 {
		log.Warn().Int("pending", len(pending)).Msg("exiting with unacknowledged edits")
	}
	return err
}
