// Manual end-to-end check against a locally running server. Exercises the
// full agent lifecycle: register, assign, command enqueue, poll, result
// submit, and live event delivery over the websocket stream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL       = flag.String("url", "http://localhost:8080", "server base URL")
	adminEmail    = flag.String("email", "admin@fleetwatch.local", "admin email")
	adminPassword = flag.String("password", "changeme", "admin password")
)

func main() {
	flag.Parse()

	fmt.Println("=== FleetWatch Backend Smoke Test ===")

	// 1. Admin login
	fmt.Println("\n1. Logging in as admin...")
	var adminLogin struct {
		Token string `json:"token"`
	}
	postJSON("/v1/auth/login", "", map[string]string{
		"email":    *adminEmail,
		"password": *adminPassword,
	}, &adminLogin)
	fmt.Println("✓ Logged in")

	// 2. Create a fresh operator so the run is self-contained.
	opEmail := fmt.Sprintf("smoke-%d@fleetwatch.local", time.Now().Unix())
	fmt.Printf("\n2. Creating operator %s...\n", opEmail)
	var op struct {
		ID string `json:"id"`
	}
	postJSON("/v1/admin/operators", adminLogin.Token, map[string]interface{}{
		"email":        opEmail,
		"password":     "smoketest",
		"device_limit": 2,
	}, &op)
	fmt.Printf("✓ Operator %s created\n", op.ID)

	var opLogin struct {
		Token string `json:"token"`
	}
	postJSON("/v1/auth/login", "", map[string]string{
		"email":    opEmail,
		"password": "smoketest",
	}, &opLogin)

	// 3. Agent registration
	fingerprint := fmt.Sprintf("smoke-%d", time.Now().Unix())
	fmt.Printf("\n3. Registering agent %s...\n", fingerprint)
	var reg struct {
		Status string `json:"status"`
	}
	postJSON("/v1/agents/register", "", map[string]string{
		"fingerprint": fingerprint,
		"hostname":    "smoketest-host",
		"os":          "linux",
	}, &reg)
	fmt.Printf("✓ Registered (status=%s)\n", reg.Status)

	// 4. Assignment
	fmt.Println("\n4. Assigning agent to operator...")
	postJSON("/v1/agents/"+fingerprint+"/assign", adminLogin.Token, map[string]string{
		"owner_id": op.ID,
	}, nil)
	fmt.Println("✓ Assigned")

	// 5. Websocket stream as the owning operator
	fmt.Println("\n5. Connecting event stream...")
	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/v1/stream?token=" + opLogin.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatal("Dial error:", err)
	}
	defer conn.Close()
	fmt.Println("✓ Stream connected")

	// 6. Command enqueue
	fmt.Println("\n6. Enqueuing command...")
	var enq struct {
		CommandID string `json:"command_id"`
	}
	postJSON("/v1/agents/"+fingerprint+"/commands", opLogin.Token, map[string]interface{}{
		"verb": "lock_screen",
	}, &enq)
	fmt.Printf("✓ Command %s queued\n", enq.CommandID)

	// 7. Poll as the agent; the queued command must come back exactly once.
	fmt.Println("\n7. Polling as agent...")
	var poll struct {
		OK      bool `json:"ok"`
		Command *struct {
			ID   string `json:"id"`
			Verb string `json:"verb"`
		} `json:"command"`
	}
	postJSON("/v1/agents/poll", "", map[string]string{"fingerprint": fingerprint}, &poll)
	if poll.Command == nil || poll.Command.ID != enq.CommandID {
		log.Fatalf("expected queued command back, got %+v", poll.Command)
	}
	fmt.Printf("✓ Received %s\n", poll.Command.Verb)

	poll.Command = nil
	postJSON("/v1/agents/poll", "", map[string]string{"fingerprint": fingerprint}, &poll)
	if poll.Command != nil {
		log.Fatalf("second poll should be empty, got %+v", poll.Command)
	}
	fmt.Println("✓ Second poll empty")

	// 8. Result submit; the stream should deliver it.
	fmt.Println("\n8. Submitting result...")
	postJSON("/v1/agents/result", "", map[string]interface{}{
		"fingerprint": fingerprint,
		"result": map[string]interface{}{
			"keystrokes": map[string]string{"data": "hello from smoketest"},
		},
	}, nil)
	fmt.Println("✓ Result accepted")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev struct {
			Type    string `json:"type"`
			AgentID string `json:"agent_id"`
			Kind    string `json:"kind"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			log.Fatal("Stream read error:", err)
		}
		fmt.Printf("✓ Stream delivered %s/%s for %s\n", ev.Type, ev.Kind, ev.AgentID)
		if ev.Type == "result" {
			break
		}
	}

	// 9. Agent list shows the agent online.
	fmt.Println("\n9. Checking agent list...")
	var agents []struct {
		Fingerprint string `json:"fingerprint"`
		Online      bool   `json:"online"`
	}
	getJSON("/v1/agents", opLogin.Token, &agents)
	found := false
	for _, a := range agents {
		if a.Fingerprint == fingerprint {
			found = true
			fmt.Printf("✓ Agent listed (online=%v)\n", a.Online)
		}
	}
	if !found {
		log.Fatal("registered agent missing from list")
	}

	fmt.Println("\n=== Smoke Test Complete ===")
}

func postJSON(path, token string, body interface{}, out interface{}) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, *baseURL+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	do(req, path, out)
}

func getJSON(path, token string, out interface{}) {
	req, err := http.NewRequest(http.MethodGet, *baseURL+path, nil)
	if err != nil {
		log.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	do(req, path, out)
}

func do(req *http.Request, path string, out interface{}) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s: decode: %v", path, err)
		}
	}
}
