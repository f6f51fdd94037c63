package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

var (
	baseURL   = pflag.String("base-url", "http://localhost:8080", "server base URL")
	pairCount = pflag.Int("pairs", 50, "number of buddy pairs; each pair is two users")
	msgCount  = pflag.Int("messages", 5, "messages per user; the server allows 6 per 30s")
	msgGap    = pflag.Duration("gap", 200*time.Millisecond, "pause between messages from one user")
)

var (
	sent     atomic.Int64
	received atomic.Int64
	failures atomic.Int64
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type ConversationResponse struct {
	ID int64 `json:"id"`
}

type account struct {
	name  string
	id    int64
	token string
}

func main() {
	pflag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("starting load test", "users", *pairCount*2, "messages_per_user", *msgCount)

	start := time.Now()
	var wg sync.WaitGroup
	// User 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(logger, pairID); err != nil {
				failures.Add(1)
				logger.Error("pair failed", "pair", pairID, "error", err)
			}
		}(i)
	}
	wg.Wait()

	logger.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", sent.Load(),
		"events_received", received.Load(),
		"failed_pairs", failures.Load())
}

func runPair(logger *slog.Logger, pairID int) error {
	a, err := authenticate(fmt.Sprintf("u_%d_a", pairID), "password123")
	if err != nil {
		return err
	}
	b, err := authenticate(fmt.Sprintf("u_%d_b", pairID), "password123")
	if err != nil {
		return err
	}

	// Direct messages need mutual buddies.
	if _, err := call(a.token, http.MethodPost, "/api/roster/requests", map[string]int64{"userId": b.id}, nil); err != nil {
		return fmt.Errorf("request buddy: %w", err)
	}
	if _, err := call(b.token, http.MethodPost, "/api/roster/requests/"+strconv.FormatInt(a.id, 10)+"/accept", nil, nil); err != nil {
		return fmt.Errorf("accept buddy: %w", err)
	}

	var conv ConversationResponse
	if _, err := call(a.token, http.MethodPost, "/api/conversations/direct", map[string]int64{"userId": b.id}, &conv); err != nil {
		return fmt.Errorf("start direct: %w", err)
	}

	var wg sync.WaitGroup
	for _, acc := range []account{a, b} {
		wg.Add(1)
		go func(acc account) {
			defer wg.Done()
			chatter(logger, acc, conv.ID)
		}(acc)
	}
	wg.Wait()
	return nil
}

// authenticate registers (ignoring an existing account) and logs in.
func authenticate(username, password string) (account, error) {
	creds := map[string]string{"username": username, "password": password}
	call("", http.MethodPost, "/register", creds, nil)

	var data AuthResponse
	if _, err := call("", http.MethodPost, "/login", creds, &data); err != nil {
		return account{}, fmt.Errorf("login %s: %w", username, err)
	}
	return account{name: username, id: data.ID, token: data.Token}, nil
}

// chatter listens on the conversation over the websocket while sending
// messages over HTTP.
func chatter(logger *slog.Logger, acc account, convID int64) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + acc.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logger.Error("websocket connect failed", "user", acc.name, "error", err)
		return
	}
	defer conn.Close()

	topic := "message:" + strconv.FormatInt(convID, 10)
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "topic": topic}); err != nil {
		logger.Error("subscribe failed", "user", acc.name, "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received.Add(int64(bytes.Count(data, []byte(`"type":"event"`))))
		}
	}()

	path := "/api/conversations/" + strconv.FormatInt(convID, 10) + "/messages"
	for i := 0; i < *msgCount; i++ {
		body := map[string]string{
			"body":        fmt.Sprintf("LoadTest Msg %d from %s", i, acc.name),
			"clientMsgId": uuid.NewString(),
		}
		if _, err := call(acc.token, http.MethodPost, path, body, nil); err != nil {
			logger.Warn("send failed", "user", acc.name, "error", err)
			break
		}
		sent.Add(1)
		time.Sleep(*msgGap)
	}

	// Give the last events time to arrive.
	time.Sleep(time.Second)
	conn.Close()
	<-done
}

func call(token, method, path string, in, out any) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, *baseURL+path, &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
