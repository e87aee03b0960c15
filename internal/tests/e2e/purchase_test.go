//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/Tamnud-ghule/KUINBEE/internal/db"
	"github.com/Tamnud-ghule/KUINBEE/internal/logging"
	"github.com/Tamnud-ghule/KUINBEE/internal/server"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serverPort = 18080
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	setTestEnv()

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestPurchaseLifecycle(t *testing.T) {
	suffix := time.Now().UnixNano()
	admin := fmt.Sprintf("admin_%d", suffix)
	buyer := fmt.Sprintf("buyer_%d", suffix)
	other := fmt.Sprintf("other_%d", suffix)
	password := "testpass123!"

	adminToken := registerUser(t, admin, password)
	require.NoError(t, promoteUserToAdmin(admin))
	buyerToken := registerUser(t, buyer, password)
	otherToken := registerUser(t, other, password)

	source := []byte("region,quarter,revenue\nnorth,Q1,1200\nsouth,Q1,980\n")
	slug := fmt.Sprintf("regional-sales-%d", suffix)
	dataset := createDataset(t, adminToken, slug, source)
	require.NotZero(t, dataset.ID)

	// Wrong amount is rejected before anything is recorded.
	status, _ := doJSON(t, http.MethodPost, "/api/purchases", buyerToken,
		map[string]any{"datasetId": dataset.ID, "amount": 1.00}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var purchase purchaseResponse
	status, body := doJSON(t, http.MethodPost, "/api/purchases", buyerToken,
		map[string]any{"datasetId": dataset.ID, "amount": 49.99}, &purchase)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "completed", purchase.Purchase.Status)
	require.NotEmpty(t, purchase.Purchase.EncryptionKey)
	assert.NotEmpty(t, purchase.KeyNotice)
	assert.InDelta(t, 49.99, purchase.Purchase.Amount, 1e-9)

	status, _ = doJSON(t, http.MethodPost, "/api/purchases", buyerToken,
		map[string]any{"datasetId": dataset.ID}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var fetched purchaseResponse
	status, _ = doJSON(t, http.MethodGet, fmt.Sprintf("/api/purchases/%d", dataset.ID), buyerToken, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, purchase.Purchase.EncryptionKey, fetched.Purchase.EncryptionKey)
	assert.Equal(t, slug, fetched.Dataset.Slug)

	archive, headers := download(t, buyerToken, dataset.ID, http.StatusOK)
	assert.Contains(t, headers.Get("Content-Disposition"), slug+".encrypted")

	encryptor, err := artifact.NewEncryptor("zip")
	require.NoError(t, err)
	var plain bytes.Buffer
	require.NoError(t, encryptor.Decrypt(&plain, bytes.NewReader(archive), int64(len(archive)), purchase.Purchase.EncryptionKey))
	assert.Equal(t, source, plain.Bytes())

	again, _ := download(t, buyerToken, dataset.ID, http.StatusOK)
	assert.Equal(t, archive, again, "re-downloads serve the same artifact")

	// Other users cannot see the purchase or its artifact.
	status, _ = doJSON(t, http.MethodGet, fmt.Sprintf("/api/purchases/%d", dataset.ID), otherToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	download(t, otherToken, dataset.ID, http.StatusNotFound)

	status, _ = doJSON(t, http.MethodPost, fmt.Sprintf("/api/admin/purchases/%d/refund", purchase.Purchase.ID), adminToken, nil, nil)
	require.Equal(t, http.StatusOK, status)
	download(t, buyerToken, dataset.ID, http.StatusNotFound)
}

type purchaseResponse struct {
	Purchase struct {
		ID            int     `json:"id"`
		Status        string  `json:"status"`
		Amount        float64 `json:"amount"`
		EncryptionKey string  `json:"encryptionKey"`
	} `json:"purchase"`
	Dataset *struct {
		Slug string `json:"slug"`
	} `json:"dataset"`
	KeyNotice string `json:"keyNotice"`
}

type datasetResponse struct {
	ID    int     `json:"id"`
	Slug  string  `json:"slug"`
	Price float64 `json:"price"`
}

type authResponse struct {
	Token string `json:"token"`
}

func registerUser(t *testing.T, username, password string) string {
	t.Helper()

	var parsed authResponse
	status, body := doJSON(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username":  username,
		"email":     fmt.Sprintf("%s@example.com", username),
		"firstName": "Test",
		"password":  password,
	}, &parsed)
	require.Equal(t, http.StatusCreated, status, body)
	require.NotEmpty(t, parsed.Token)
	return parsed.Token
}

func promoteUserToAdmin(username string) error {
	cfg := config.LoadConfig()
	conn, err := sql.Open("postgres", db.PostgresURL(cfg.Database))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = conn.ExecContext(ctx, "UPDATE users SET role = 'admin', updated_at = NOW() WHERE username = $1", username)
	return err
}

func createDataset(t *testing.T, token, slug string, data []byte) datasetResponse {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	_ = writer.WriteField("title", "Regional Sales 2024")
	_ = writer.WriteField("slug", slug)
	_ = writer.WriteField("description", "Quarterly revenue by region.")
	_ = writer.WriteField("price", "49.99")
	_ = writer.WriteField("record_count", "2")
	_ = writer.WriteField("data_format", "CSV")

	part, err := writer.CreateFormFile("file", "sales.csv")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/datasets", &body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("create dataset status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed datasetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return parsed
}

func download(t *testing.T, token string, datasetID, wantStatus int) ([]byte, http.Header) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/download/%d", baseURL, datasetID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, string(data))
	return data, resp.Header
}

func doJSON(t *testing.T, method, path, token string, payload, out any) (int, string) {
	t.Helper()

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out))
	}
	return resp.StatusCode, string(data)
}

func setTestEnv() {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "kuinbee")
	_ = os.Setenv("DB_PASSWORD", "kuinbee")
	_ = os.Setenv("DB_NAME", "kuinbee")
	_ = os.Setenv("DB_SSL", "false")
	_ = os.Setenv("STORAGE_BACKEND", "minio")
	_ = os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	_ = os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	_ = os.Setenv("MINIO_BUCKET", "kuinbee")
	_ = os.Setenv("REDIS_ADDR", "localhost:6379")
	_ = os.Setenv("FULFILLMENT_MODE", "sync")
	_ = os.Setenv("FULFILLMENT_ENCRYPTOR", "zip")
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	conn, err := sql.Open("postgres", db.PostgresURL(cfg.Database))
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")

	migrator, err := migrate.New(migrationsURL, db.PostgresURL(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func startServer(ctx context.Context) (*server.Server, error) {
	cfg := config.LoadConfig()
	srv, err := server.New(ctx, cfg, logging.InitLogger("warn"))
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
