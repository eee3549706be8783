package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "API base URL")
	sourcesCSV := flag.String("source", "", "comma-separated source ids (default: all enabled)")
	wait := flag.Bool("wait", false, "poll the job until it finishes")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("GRANTMATCH_ADMIN_SECRET"))
	if adminSecret == "" {
		adminSecret = strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	}
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}

	var sources []string
	for _, s := range strings.Split(*sourcesCSV, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sources = append(sources, s)
		}
	}
	payload, _ := json.Marshal(map[string][]string{"sources": sources})

	client := &http.Client{Timeout: 30 * time.Second}
	var started struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	status, err := call(client, http.MethodPost, *server+"/api/v1/fetch", adminSecret, payload, &started)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response Status: %d\n", status)
	if status != http.StatusAccepted {
		fmt.Printf("Error: %s\n", started.Error)
		os.Exit(1)
	}
	fmt.Printf("Job: %s\n", started.JobID)
	if !*wait {
		return
	}

	for {
		time.Sleep(2 * time.Second)
		var job struct {
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		}
		if _, err := call(client, http.MethodGet, *server+"/api/v1/jobs/"+started.JobID, adminSecret, nil, &job); err != nil {
			fmt.Printf("Error polling job: %v\n", err)
			os.Exit(1)
		}
		if job.Status == "running" {
			continue
		}
		fmt.Printf("Job %s: %s\n", started.JobID, job.Status)
		if len(job.Result) > 0 {
			fmt.Println(string(job.Result))
		}
		if job.Status != "completed" {
			os.Exit(1)
		}
		return
	}
}

func call(client *http.Client, method, url, secret string, body []byte, out interface{}) (int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Admin-Secret", secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}
