package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/lovinmaxwell/nexus/internal/config"
	"github.com/lovinmaxwell/nexus/internal/ingress"
	"github.com/lovinmaxwell/nexus/internal/store"
)

// readActivePort returns the daemon's advertised control port, or 0
// when no daemon has written one.
func readActivePort() int {
	data, err := os.ReadFile(portFilePath())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return port
}

// readURLsFromFile reads URLs from a file, one per line
func readURLsFromFile(filepath string) ([]string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

// sendToServer posts a download request to a running nexus instance.
func sendToServer(req ingress.Request, port int) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d/download", port)
	resp, err := http.Post(serverURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server error: %s - %s", resp.Status, string(body))
	}

	var respData map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", nil
	}
	return respData["id"], nil
}

// callServer hits a simple control endpoint like /pause?id=...
func callServer(port int, path string, query string) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s?%s", port, path, query)
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// openStore opens the shared database for direct (non-daemon) commands.
func openStore() (*store.SQLiteStore, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	return store.OpenSQLite(config.GetDatabasePath())
}

// resolveTaskID resolves a partial ID (prefix) to a full task ID.
func resolveTaskID(st *store.SQLiteStore, partialID string) (string, error) {
	if len(partialID) >= 32 {
		return partialID, nil // Already a full UUID
	}

	tasks, err := st.LoadTasks(store.TaskFilter{})
	if err != nil {
		return partialID, nil // Fall through to use as-is
	}

	var matches []string
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, partialID) {
			matches = append(matches, t.ID)
		}
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous ID prefix '%s' matches %d tasks", partialID, len(matches))
	}
	return partialID, nil
}
