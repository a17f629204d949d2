// Mock Claude Code CLI for integration testing.
// Simulates `claude --print --output-format stream-json --verbose` output
// against the flags and positional message argument workflowd's supervisor
// actually invokes it with.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	_ = flag.Bool("print", false, "print mode")
	outputFormat := flag.String("output-format", "", "output format")
	_ = flag.String("input-format", "", "input format")
	_ = flag.Bool("verbose", false, "verbose")
	_ = flag.String("system-prompt", "", "system prompt")
	_ = flag.String("model", "", "model")
	_ = flag.Int("max-turns", 0, "max turns")
	flag.Parse()

	message := strings.Join(flag.Args(), " ")

	switch {
	case message == "TIMEOUT":
		time.Sleep(10 * time.Minute)
		return
	case message == "FAIL":
		fmt.Fprintln(os.Stderr, "mock CLI: simulated failure")
		os.Exit(1)
	case message == "EMPTY":
		return
	}

	resultText := fmt.Sprintf("Task completed successfully. Processed: %s", truncate(message, 100))

	if err := os.WriteFile("hello.py", []byte("print(\"hello world\")\n"), 0644); err != nil {
		fmt.Fprintln(os.Stderr, "mock CLI: writing hello.py:", err)
	}

	events := []map[string]interface{}{
		{
			"type":    "system",
			"subtype": "init",
			"model":   "mock-claude",
		},
		{
			"type": "assistant",
			"message": map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "tool_use", "name": "Write", "input": map[string]interface{}{"file_path": "hello.py"}},
				},
			},
		},
		{
			"type": "assistant",
			"message": map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "text", "text": resultText},
				},
			},
		},
		{
			"type":    "result",
			"subtype": "success",
			"success": true,
			"result":  resultText,
			"usage": map[string]interface{}{
				"input_tokens":  150,
				"output_tokens": 50,
			},
		},
	}

	if *outputFormat != "stream-json" {
		fmt.Println(resultText)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	for _, event := range events {
		time.Sleep(50 * time.Millisecond)
		_ = enc.Encode(event)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
