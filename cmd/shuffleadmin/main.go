// Command shuffleadmin is a small CLI client for a worker's admin REST
// surface (internal/rpcadmin), in the style of cmd/quic_recv and
// cmd/quic_send: a flag-driven single-purpose main with no frameworks.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("admin-rest-addr", "127.0.0.1:8080", "worker admin REST address")
	cmd := flag.String("cmd", "list", "command: list | fail")
	shuffleID := flag.String("shuffle-id", "", "shuffle id (required for fail)")
	runID := flag.Int64("run-id", 0, "run id (required for fail)")
	message := flag.String("message", "forced by shuffleadmin", "failure message (for fail)")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	var err error
	switch *cmd {
	case "list":
		err = listShuffles(client, *addr)
	case "fail":
		if *shuffleID == "" {
			err = fmt.Errorf("-shuffle-id is required for fail")
			break
		}
		err = forceFail(client, *addr, *shuffleID, *runID, *message)
	default:
		err = fmt.Errorf("unknown -cmd %q", *cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func listShuffles(client *http.Client, addr string) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/api/v1/shuffles", addr))
	if err != nil {
		return fmt.Errorf("list shuffles: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list shuffles: status %d: %s", resp.StatusCode, body)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(out.String())
	return nil
}

func forceFail(client *http.Client, addr, shuffleID string, runID int64, message string) error {
	reqBody, err := json.Marshal(struct {
		RunID   int64  `json:"run_id"`
		Message string `json:"message"`
	}{RunID: runID, Message: message})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := fmt.Sprintf("http://%s/api/v1/shuffles/%s/fail", addr, shuffleID)
	resp, err := client.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("force fail: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("force fail: status %d: %s", resp.StatusCode, body)
	}
	fmt.Printf("shuffle %s run %d marked failed\n", shuffleID, runID)
	return nil
}
