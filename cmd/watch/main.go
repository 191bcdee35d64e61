// watch posts one chat turn and follows the workflow progress stream
// while the server works on it.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Cascade server URL")
	thread := flag.String("thread", "cli-thread", "Conversation thread ID")
	token := flag.String("token", os.Getenv("CASCADE_TOKEN"), "Auth token")
	language := flag.String("lang", "ENG", "Answer language (ENG or SIN)")
	webSearch := flag.Bool("web", false, "Enable web search")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: watch [flags] \"your question\"")
		flag.PrintDefaults()
		os.Exit(1)
	}
	question := strings.Join(flag.Args(), " ")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		followStream(*server, *thread, *token)
	}()

	// Give the stream a moment to attach before triggering the run.
	time.Sleep(200 * time.Millisecond)
	answer, err := postTurn(*server, *thread, *token, question, *language, *webSearch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	wg.Wait()

	fmt.Println("\n--- answer ---")
	fmt.Println(answer)
}

func postTurn(server, thread, token, question, language string, webSearch bool) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"message":        question,
		"language":       language,
		"use_web_search": webSearch,
	})
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/chat/%s", server, thread), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat turn failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		Answer     string `json:"answer"`
		DurationMS int64  `json:"duration_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	fmt.Printf("\n(turn took %dms)\n", parsed.DurationMS)
	return parsed.Answer, nil
}

func followStream(server, thread, token string) {
	url := fmt.Sprintf("%s/api/chat/%s/stream?token=%s", server, thread, token)
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stream error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "stream rejected with status %d\n", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Type     string `json:"type"`
			Stage    string `json:"stage"`
			Message  string `json:"message"`
			Progress *int   `json:"progress"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "ping":
			// keepalive, nothing to show
		case "connection":
			fmt.Println("[stream] connected")
		case "cleanup":
			return
		default:
			if frame.Progress != nil {
				fmt.Printf("[%s] %s (%d%%)\n", frame.Stage, frame.Message, *frame.Progress)
			} else {
				fmt.Printf("[%s] %s\n", frame.Stage, frame.Message)
			}
		}
	}
}
