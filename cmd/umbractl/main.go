package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

// request mirrors the wardend admin envelope.
type request struct {
	Action  string `json:"action"`
	Service string `json:"service,omitempty"`
	URI     string `json:"uri,omitempty"`
	Label   string `json:"label,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
}

type response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: umbractl [flags] <action>

actions:
  status              coordinator state and counters
  inspector.toggle    show or hide the worker inspection surface
  shutdown            trigger worker teardown
  recents.add         add a workspace (-uri, -label)
  recents.list        list recent workspaces
  recents.remove      remove a workspace (-uri)
  recents.clear       clear the recents list
  secret.get          read a secret (-scope, -key)
  secret.set          write a secret (-scope, -key, -value)
  secret.delete       delete a secret (-scope, -key)`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7810", "wardend admin address")
	uri := flag.String("uri", "", "workspace uri for recents actions")
	label := flag.String("label", "", "workspace label for recents.add")
	scope := flag.String("scope", "", "secret scope")
	key := flag.String("key", "", "secret key")
	value := flag.String("value", "", "secret value for secret.set")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	req := request{
		Action: flag.Arg(0),
		URI:    *uri,
		Label:  *label,
		Scope:  *scope,
		Key:    *key,
		Value:  *value,
	}
	resp, err := execute(*addr, *timeout, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "umbractl: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "umbractl: %s: %s\n", req.Action, resp.Error)
		os.Exit(1)
	}

	if len(resp.Data) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty any
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		fmt.Println(string(resp.Data))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

// execute performs one request/response round trip on a fresh connection.
func execute(addr string, timeout time.Duration, req request) (response, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return response{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return response{}, err
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
