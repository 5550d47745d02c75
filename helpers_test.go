package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
)

// TestLogger wraps AppLogger for test use with testing.T integration
type TestLogger struct {
	*AppLogger
	t *testing.T
}

// NewTestLogger creates a test logger from environment variables
func NewTestLogger(t *testing.T) *TestLogger {
	al := &AppLogger{
		outputDir:   os.Getenv("TEST_OUTPUT_DIR"),
		logRequests: os.Getenv("TEST_LOG_REQUESTS") == "1",
		logDB:       os.Getenv("TEST_LOG_DB") == "1",
		logWS:       os.Getenv("TEST_LOG_WS") == "1",
		debug:       os.Getenv("TEST_DEBUG") == "1",
	}

	if al.logRequests {
		if path := os.Getenv("TEST_REQUEST_LOG"); path != "" {
			f, err := os.OpenFile(path+"_"+t.Name(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				al.requestLog = f
			}
		}
	}
	if al.logDB {
		if path := os.Getenv("TEST_DB_LOG"); path != "" {
			f, err := os.OpenFile(path+"_"+t.Name(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				al.dbLog = f
			}
		}
	}
	if al.logWS {
		if path := os.Getenv("TEST_WS_LOG"); path != "" {
			f, err := os.OpenFile(path+"_"+t.Name(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err == nil {
				al.wsLog = f
			}
		}
	}

	return &TestLogger{AppLogger: al, t: t}
}

// Debug logs a debug message using testing.T.Logf
func (tl *TestLogger) Debug(format string, args ...any) {
	if !tl.debug {
		return
	}
	tl.t.Logf("[DEBUG] "+format, args...)
}

func getFreePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// TestContext holds test infrastructure including logger and isolated resources
type TestContext struct {
	t       *testing.T
	logger  *TestLogger
	baseURL string
	wsURL   string
	cleanup func()
	db      *sqlx.DB
	hub     *Hub
	engine  *Engine
	dbPath  string
}

// newTestContext starts a full server on a free port with a per-test
// database, hub, engine, and clock. Phase timers are set far out so only
// explicit triggers advance phases during tests.
func newTestContext(t *testing.T) *TestContext {
	logger := NewTestLogger(t)

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to get free port: %v", err)
	}

	// Unique database file per test so tests never share state
	dbPath := fmt.Sprintf("/tmp/mafia_test_%s_%d_%d.db",
		strings.ReplaceAll(t.Name(), "/", "_"),
		port,
		time.Now().UnixNano())

	testDB, dbErr := sqlx.Connect("sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_synchronous=NORMAL&_txlock=deferred", dbPath))
	if dbErr != nil {
		t.Fatalf("Failed to connect to test database: %v", dbErr)
	}

	// Disable AI storyteller in tests by default (individual tests may override)
	globalStoryteller = nil

	db = testDB
	if err := initDB(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	logger.LogDB("after initDB")
	logger.Debug("Database initialized on port %d, dbPath: %s", port, dbPath)

	testHub := newHub()
	go testHub.run()
	hub = testHub

	testEngine := newEngine(&sqlStore{}, nil)
	engine = testEngine
	gameSettings = Settings{
		DayDuration:    time.Hour,
		VotingDuration: time.Hour,
		NightDuration:  time.Hour,
	}
	gameClock = newGameClock()
	lobby = &lobbyRoster{}

	mux := http.NewServeMux()

	// Wrapper that sets test-specific globals before calling the handler
	wrapHandler := func(pattern string, handler http.HandlerFunc) {
		wrappedHandler := func(w http.ResponseWriter, r *http.Request) {
			db = testDB
			hub = testHub
			engine = testEngine
			handler(w, r)
		}

		if logger.logRequests {
			mux.Handle(pattern, &LoggingHandler{Handler: http.HandlerFunc(wrappedHandler), Logger: logger.AppLogger})
		} else {
			mux.HandleFunc(pattern, wrappedHandler)
		}
	}

	wrapHandler("/signup", handleSignup)
	wrapHandler("/login", handleLogin)
	wrapHandler("/logout", handleLogout)
	wrapHandler("/ws", handleWebSocket)
	wrapHandler("/game/state", handleGameState)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	// Bind synchronously so the port is accepting connections before the
	// test sends its first request; Serve then runs in the background.
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		t.Fatalf("Failed to listen on port %d: %v", port, err)
	}
	go server.Serve(listener)

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			logger.LogDB("before cleanup")
			logger.Debug("Cleaning up test server")
			server.Close() // closes WebSocket connections; buffered unregister channel accepts them
			testHub.stop() // hub goroutine processes remaining unregisters then exits
			gameClock.stop()
			testDB.Close()
			logger.Close()

			if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
				t.Logf("Warning: failed to remove test database %s: %v", dbPath, err)
			}
		})
	}

	ctx := &TestContext{
		t:       t,
		logger:  logger,
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		wsURL:   fmt.Sprintf("ws://localhost:%d/ws", port),
		cleanup: cleanup,
		db:      testDB,
		hub:     testHub,
		engine:  testEngine,
		dbPath:  dbPath,
	}

	t.Cleanup(cleanup)

	return ctx
}

// TestPlayer is one signed-up player with an HTTP session and optionally an
// open WebSocket connection.
type TestPlayer struct {
	t        *testing.T
	Name     string
	ID       int64
	Secret   string
	client   *http.Client
	ws       *websocket.Conn
	wsClosed bool
}

// signupPlayer creates an account over HTTP and keeps its session cookie
func (ctx *TestContext) signupPlayer(name string) *TestPlayer {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	resp, err := client.PostForm(ctx.baseURL+"/signup", url.Values{"name": {name}})
	if err != nil {
		ctx.t.Fatalf("signup %s: %v", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ctx.t.Fatalf("signup %s: status %d", name, resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		ctx.t.Fatalf("signup %s: decode: %v", name, err)
	}

	ctx.logger.Debug("Signed up player %s (ID %d)", name, auth.PlayerID)
	return &TestPlayer{t: ctx.t, Name: name, ID: auth.PlayerID, Secret: auth.SecretCode, client: client}
}

// connect opens the player's WebSocket connection using their session cookie
func (tp *TestPlayer) connect(ctx *TestContext) {
	u, _ := url.Parse(ctx.baseURL)
	var cookieHeader []string
	for _, c := range tp.client.Jar.Cookies(u) {
		cookieHeader = append(cookieHeader, c.Name+"="+c.Value)
	}

	header := http.Header{}
	header.Set("Cookie", strings.Join(cookieHeader, "; "))
	ws, _, err := websocket.DefaultDialer.Dial(ctx.wsURL, header)
	if err != nil {
		tp.t.Fatalf("connect %s: %v", tp.Name, err)
	}
	tp.ws = ws
}

func (tp *TestPlayer) disconnect() {
	if tp.ws != nil && !tp.wsClosed {
		tp.ws.Close()
		tp.wsClosed = true
	}
}

func (tp *TestPlayer) send(msg WSMessage) {
	if err := tp.ws.WriteJSON(msg); err != nil {
		tp.t.Fatalf("send %s for %s: %v", msg.Action, tp.Name, err)
	}
}

// waitFor reads envelopes until one of the given type arrives, failing the
// test after the deadline. Messages of other types are discarded.
func (tp *TestPlayer) waitFor(typ string) json.RawMessage {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tp.ws.SetReadDeadline(time.Now().Add(time.Until(deadline)))
		var raw struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := tp.ws.ReadJSON(&raw); err != nil {
			tp.t.Fatalf("waitFor %s for %s: %v", typ, tp.Name, err)
		}
		if raw.Type == typ {
			return raw.Payload
		}
	}
	tp.t.Fatalf("waitFor %s for %s: timed out", typ, tp.Name)
	return nil
}

// drainUntilPhase keeps reading game_state envelopes until the view shows
// the wanted phase.
func (tp *TestPlayer) drainUntilPhase(phase Phase) playerView {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		payload := tp.waitFor("game_state")
		var view playerView
		if err := json.Unmarshal(payload, &view); err != nil {
			tp.t.Fatalf("drainUntilPhase for %s: %v", tp.Name, err)
		}
		if view.Phase == phase {
			return view
		}
	}
	tp.t.Fatalf("drainUntilPhase for %s: never reached %s", tp.Name, phase)
	return playerView{}
}
