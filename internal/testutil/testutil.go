package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"factory-routing/internal/persistence"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_routing"
	JWTSecret  = "routing-test-secret"
)

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func loadEnv() {
	if root := projectRoot(); root != "" {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB opens a connection in an isolated schema and migrates it.
// Skips the test when ROUTING_TEST_DSN is unset or the server is unreachable.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	baseDSN := os.Getenv("ROUTING_TEST_DSN")
	if baseDSN == "" {
		t.Skip("ROUTING_TEST_DSN not set, skipping postgres test")
	}

	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	if sqlSetup, _ := setupDB.DB(); sqlSetup != nil {
		sqlSetup.Close()
	}

	// search_path 写进 DSN，连接池里的所有连接都落在测试 schema
	db, err := gorm.Open(postgres.Open(fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := persistence.NewGormStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			if sqlClean, _ := cleanDB.DB(); sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// Clock is a manually advanced clock for deterministic session timing.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the clock at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// GenerateTestToken creates a valid JWT for the given user and roles.
func GenerateTestToken(userID string, roles ...string) string {
	if roles == nil {
		roles = []string{}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"roles": roles,
		"iss":   "factory-routing",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DoRequest executes an HTTP request against a handler.
func DoRequest(h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ParseResponse decodes a JSON response body into a map.
func ParseResponse(w *httptest.ResponseRecorder) map[string]any {
	var result map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &result)
	return result
}
